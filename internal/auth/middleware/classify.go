package middleware

import (
	"bytes"
	"encoding/json"
)

// publicMethods can be called without a session.
var publicMethods = map[string]bool{
	"initialize":                true,
	"notifications/initialized": true,
	"ping":                      true,
	"tools/list":                true,
}

// IsPublicMethod reports whether method bypasses authentication.
func IsPublicMethod(method string) bool {
	return publicMethods[method]
}

type rpcEnvelope struct {
	Method string `json:"method"`
}

// Classify reports whether a JSON-RPC body needs authentication. A batch needs it
// if any member does. Empty or unparseable bodies and unknown methods are protected.
func Classify(body []byte) (protected bool, methods []string) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return true, nil
	}

	var envelopes []rpcEnvelope
	if body[0] == '[' {
		if err := json.Unmarshal(body, &envelopes); err != nil || len(envelopes) == 0 {
			return true, nil
		}
	} else {
		var env rpcEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return true, nil
		}
		envelopes = []rpcEnvelope{env}
	}

	for _, env := range envelopes {
		methods = append(methods, env.Method)
		if !IsPublicMethod(env.Method) {
			protected = true
		}
	}
	return protected, methods
}
