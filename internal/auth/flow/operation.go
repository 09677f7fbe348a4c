package flow

// Operation is one of the closed set of authorization operations exposed over HTTP.
type Operation int

const (
	OpBegin Operation = iota
	OpCallback
	OpRefresh
	OpRegister
	OpLogout
)

var operationNames = [...]string{
	OpBegin:    "begin",
	OpCallback: "callback",
	OpRefresh:  "refresh",
	OpRegister: "register",
	OpLogout:   "logout",
}

// Operations lists every operation in declaration order.
func Operations() []Operation {
	ops := make([]Operation, len(operationNames))
	for i := range ops {
		ops[i] = Operation(i)
	}
	return ops
}

func (o Operation) String() string {
	if o < 0 || int(o) >= len(operationNames) {
		return "unknown"
	}
	return operationNames[o]
}

// Valid reports whether o is a declared operation.
func (o Operation) Valid() bool {
	return o >= 0 && int(o) < len(operationNames)
}
