package ingestion

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// SubjectPrefix is the NATS subject root for executor commands. The last
// token names the command, e.g. perp.settle.cmd.execute_order.
const SubjectPrefix = "perp.settle.cmd."

var (
	ErrUnknownCommand = errors.New("ingestion: unknown command")
	ErrMalformed      = errors.New("ingestion: malformed command")
)

var validate = validator.New()

var constructors = map[string]func() Command{
	"create_order":         func() Command { return &CreateOrder{} },
	"update_order":         func() Command { return &UpdateOrder{} },
	"cancel_order":         func() Command { return &CancelOrder{} },
	"execute_order":        func() Command { return &ExecuteOrder{} },
	"execute_frozen_order": func() Command { return &ExecuteFrozenOrder{} },
	"liquidate":            func() Command { return &Liquidate{} },
	"update_adl_state":     func() Command { return &UpdateAdlState{} },
	"execute_adl":          func() Command { return &ExecuteAdl{} },
	"claim":                func() Command { return &Claim{} },
}

// CommandNames lists every accepted command name.
func CommandNames() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	return names
}

// CommandFromSubject extracts the command name from a NATS subject.
func CommandFromSubject(subject string) string {
	return strings.TrimPrefix(subject, SubjectPrefix)
}

// ParseCommand decodes a JSON command body. Unknown fields are rejected so
// a typo in a price field cannot silently become zero.
func ParseCommand(name string, data []byte) (Command, error) {
	ctor, ok := constructors[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownCommand, name)
	}
	cmd := ctor()

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cmd); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: %v", name, err)
	}
	if err := validate.Struct(cmd); err != nil {
		return nil, errors.Wrapf(ErrMalformed, "%s: %v", name, err)
	}
	return deref(cmd), nil
}

// deref returns the value form so commands compare and log by value.
func deref(cmd Command) Command {
	switch c := cmd.(type) {
	case *CreateOrder:
		return *c
	case *UpdateOrder:
		return *c
	case *CancelOrder:
		return *c
	case *ExecuteOrder:
		return *c
	case *ExecuteFrozenOrder:
		return *c
	case *Liquidate:
		return *c
	case *UpdateAdlState:
		return *c
	case *ExecuteAdl:
		return *c
	case *Claim:
		return *c
	}
	return cmd
}
