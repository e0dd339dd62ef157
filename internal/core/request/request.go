// Package request defines the messages exchanged between IPC publishers and
// subscribers. Each action has exactly one concrete type; there are no
// free-form attributes.
package request

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Action identifies the operation a Request represents.
type Action string

const (
	ActionJWTCreate         Action = "JWT_CREATE"
	ActionJWTEdit           Action = "JWT_EDIT"
	ActionJWTChangePassword Action = "JWT_CHANGE_PASSWORD"
	ActionJWTDelete         Action = "JWT_DELETE"
)

// SecDefTypeJWT tags security definitions of the JWT kind.
const SecDefTypeJWT = "jwt"

var ErrUnknownAction = errors.New("unknown action")

// Request is the unit of exchange.
type Request interface {
	Action() Action
}

// SecurityDef holds the fields every security definition message carries.
type SecurityDef struct {
	ID        int64  `cbor:"id" msgpack:"id" json:"id"`
	ClusterID int64  `cbor:"cluster_id" msgpack:"cluster_id" json:"cluster_id"`
	Name      string `cbor:"name" msgpack:"name" json:"name"`
	SecType   string `cbor:"sec_type" msgpack:"sec_type" json:"sec_type"`
}

func (d SecurityDef) DefinitionID() int64 { return d.ID }

type JWTCreate struct {
	SecurityDef
	IsActive bool   `cbor:"is_active" msgpack:"is_active" json:"is_active"`
	Username string `cbor:"username" msgpack:"username" json:"username"`
}

func (*JWTCreate) Action() Action { return ActionJWTCreate }

// JWTEdit carries the definition's previous name so receivers keyed by name
// can rename their entry.
type JWTEdit struct {
	SecurityDef
	OldName  string `cbor:"old_name" msgpack:"old_name" json:"old_name"`
	IsActive bool   `cbor:"is_active" msgpack:"is_active" json:"is_active"`
	Username string `cbor:"username" msgpack:"username" json:"username"`
}

func (*JWTEdit) Action() Action { return ActionJWTEdit }

// JWTChangePassword announces that a definition's secret changed. The secret
// itself never travels.
type JWTChangePassword struct {
	SecurityDef
}

func (*JWTChangePassword) Action() Action { return ActionJWTChangePassword }

type JWTDelete struct {
	SecurityDef
}

func (*JWTDelete) Action() Action { return ActionJWTDelete }

// New returns a fresh zero value of the type registered for action.
func New(action Action) (Request, error) {
	switch action {
	case ActionJWTCreate:
		return &JWTCreate{}, nil
	case ActionJWTEdit:
		return &JWTEdit{}, nil
	case ActionJWTChangePassword:
		return &JWTChangePassword{}, nil
	case ActionJWTDelete:
		return &JWTDelete{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// Actions lists every known action.
func Actions() []Action {
	return []Action{ActionJWTCreate, ActionJWTEdit, ActionJWTChangePassword, ActionJWTDelete}
}

// DefinitionID returns the security definition id carried by r, if any.
func DefinitionID(r Request) (int64, bool) {
	d, ok := r.(interface{ DefinitionID() int64 })
	if !ok {
		return 0, false
	}
	return d.DefinitionID(), true
}

// FromJSON builds the request for action from a JSON object. Unknown fields
// are rejected.
func FromJSON(action Action, raw []byte) (Request, error) {
	req, err := New(action)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return nil, fmt.Errorf("decode %s: %w", action, err)
	}
	return req, nil
}
