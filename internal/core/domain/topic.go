package domain

import "strings"

// Operation is the closed set of credential-lifecycle operations.
type Operation uint8

const (
	OpRegister Operation = iota + 1
	OpLogin
	OpProfileUpdate
	OpSendCode
	OpResetPassword
	OpVerifyToken
)

// Operations lists every operation in a stable order.
var Operations = []Operation{OpRegister, OpLogin, OpProfileUpdate, OpSendCode, OpResetPassword, OpVerifyToken}

// Segment returns the topic segment naming the operation.
func (o Operation) Segment() string {
	switch o {
	case OpRegister:
		return "register"
	case OpLogin:
		return "login"
	case OpProfileUpdate:
		return "profile-update"
	case OpSendCode:
		return "send-code"
	case OpResetPassword:
		return "reset-password"
	case OpVerifyToken:
		return "token-verify"
	default:
		return "unknown"
	}
}

func (o Operation) String() string { return o.Segment() }

// KindScoped reports whether the operation is subscribed once per account kind.
// Unscoped operations learn the kind from the session token instead.
func (o Operation) KindScoped() bool {
	switch o {
	case OpProfileUpdate, OpVerifyToken:
		return false
	default:
		return true
	}
}

// Route is the static resolution of a request topic.
type Route struct {
	Op   Operation
	Kind Kind // zero for unscoped operations
}

func (r Route) String() string {
	if r.Kind.Valid() {
		return r.Op.Segment() + "/" + r.Kind.Segment()
	}
	return r.Op.Segment()
}

// DefaultTopicDomain is the first segment of every topic.
const DefaultTopicDomain = "dentistimo"

// Topics builds every topic name from one domain prefix:
//
//	request  {domain}/{operation}[/{kind}]
//	success  {domain}/{operation}[/{kind}]/{correlationID}
//	error    {domain}/{operation}/error/{correlationID}
type Topics struct {
	Domain string
}

// NewTopics returns the topic conventions rooted at domain.
func NewTopics(domain string) Topics {
	domain = strings.Trim(strings.TrimSpace(domain), "/")
	if domain == "" {
		domain = DefaultTopicDomain
	}
	return Topics{Domain: domain}
}

// Request returns the topic a route is subscribed on.
func (t Topics) Request(r Route) string {
	return t.Domain + "/" + r.String()
}

// Routes returns the full request topic table.
func (t Topics) Routes() map[string]Route {
	routes := make(map[string]Route, len(Operations)*len(Kinds))
	for _, op := range Operations {
		if !op.KindScoped() {
			r := Route{Op: op}
			routes[t.Request(r)] = r
			continue
		}
		for _, k := range Kinds {
			r := Route{Op: op, Kind: k}
			routes[t.Request(r)] = r
		}
	}
	return routes
}

// ValidCorrelationID reports whether id can stand as a single reply topic
// level: non-empty, with no wildcard, level separator or NUL.
func ValidCorrelationID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "+#/\x00")
}

// Success returns the success reply topic for a correlated request.
func (t Topics) Success(r Route, correlationID string) string {
	return t.Request(r) + "/" + correlationID
}

// Error returns the error reply topic for a correlated request.
func (t Topics) Error(op Operation, correlationID string) string {
	return t.Domain + "/" + op.Segment() + "/error/" + correlationID
}

// VerifyResponse is the fixed reply topic of token verification.
func (t Topics) VerifyResponse() string {
	return t.Domain + "/" + OpVerifyToken.Segment() + "/response"
}

// OperatorAdded carries {affiliationId, id} after an operator registers.
func (t Topics) OperatorAdded() string {
	return t.Domain + "/operator-added"
}
