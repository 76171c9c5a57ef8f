package domain

import "testing"

func TestAccount_KindFromExtra(t *testing.T) {
	subject := &Account{PublicID: 1234567890, Extra: SubjectExtra{}}
	operator := &Account{PublicID: 42, Extra: OperatorExtra{AffiliationID: "clinic-1"}}
	bare := &Account{}

	if subject.Kind() != KindSubject || subject.AffiliationID() != "" {
		t.Fatalf("unexpected subject: %v %q", subject.Kind(), subject.AffiliationID())
	}
	if operator.Kind() != KindOperator || operator.AffiliationID() != "clinic-1" {
		t.Fatalf("unexpected operator: %v %q", operator.Kind(), operator.AffiliationID())
	}
	if bare.Kind() != KindSubject {
		t.Fatalf("account without extension must default to subject")
	}
	if subject.Audience() != "1234567890" {
		t.Fatalf("unexpected audience %q", subject.Audience())
	}
}

func TestAccount_ViewHasNoSecrets(t *testing.T) {
	a := &Account{
		PublicID:     7,
		FirstName:    "A",
		LastName:     "B",
		Email:        "a@x.se",
		PasswordHash: "hash",
		ResetCode:    "123456",
		Extra:        OperatorExtra{AffiliationID: "c"},
	}
	v := a.View()
	want := AccountView{ID: 7, FirstName: "A", LastName: "B", Email: "a@x.se", AffiliationID: "c"}
	if v != want {
		t.Fatalf("got %+v, want %+v", v, want)
	}
}

func TestKind_Roles(t *testing.T) {
	for _, k := range Kinds {
		got, ok := ParseRole(k.String())
		if !ok || got != k {
			t.Fatalf("ParseRole(%q) = %v, %v", k.String(), got, ok)
		}
	}
	if _, ok := ParseRole("Admin"); ok {
		t.Fatalf("unknown role must not parse")
	}
	if Kind(0).Valid() || Kind(0).Segment() != "" {
		t.Fatalf("zero kind must be invalid")
	}
}

func TestProfileChanges_Empty(t *testing.T) {
	if !(ProfileChanges{}).Empty() {
		t.Fatalf("zero changes must be empty")
	}
	name := "x"
	if (ProfileChanges{LastName: &name}).Empty() {
		t.Fatalf("changes with a field must not be empty")
	}
}

func TestReject(t *testing.T) {
	err := Reject(MsgInvalidCode)
	ve, ok := err.(*ValidationError)
	if !ok || ve.Msg != "Invalid code" || err.Error() != "Invalid code" {
		t.Fatalf("unexpected rejection %#v", err)
	}
}
