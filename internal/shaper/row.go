// Package shaper turns one dequeued token row into the five comma-separated
// fields written to standard output: it signs the row's secret under the
// process-wide MAC signer and URL-safe base64 encodes the signed artifact.
package shaper

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tetsuo/mailroom/internal/mac"
)

// Action is the upstream trigger's classification of a token row.
type Action string

// Recognised actions. Any other value is accepted by Row but is never
// signed — see Shape.
const (
	ActionActivation       Action = "activation"
	ActionPasswordRecovery Action = "password_recovery"
)

// SecretSize is the only accepted length, in bytes, of Row.Secret.
const SecretSize = 32

var (
	activatePrefix = []byte("/activate")
	recoverPrefix  = []byte("/recover")
)

// Row is one tuple returned by a dequeue, before any cryptographic shaping.
type Row struct {
	Action Action
	Email  string
	Login  string
	Secret []byte
	Code   string
}

// Fields is one shaped output row, ready to be joined with the other rows
// of the same batch.
type Fields struct {
	ActionCode   int
	Email        string
	Login        string
	EncodedToken string
	Code         string
}

// CSVFields returns f's five values in output order, unescaped — the
// upstream schema guarantees none of them contain a comma.
func (f Fields) CSVFields() []string {
	return []string{
		strconv.Itoa(f.ActionCode),
		f.Email,
		f.Login,
		f.EncodedToken,
		f.Code,
	}
}

// ActionCode maps a onto the single digit written to standard output.
// Unrecognised actions map to 0 so the downstream format stays
// position-stable even though such a row is never actually emitted (see
// Shape): action_code is still a meaningful value if a caller inspects a
// Fields built through other means, e.g. in a test fixture.
func ActionCode(a Action) int {
	switch a {
	case ActionActivation:
		return 1
	case ActionPasswordRecovery:
		return 2
	default:
		return 0
	}
}

// signingInput returns the bytes to MAC for r, or false if r's action has
// no defined signing input.
func signingInput(r Row) ([]byte, bool) {
	switch r.Action {
	case ActionActivation:
		buf := make([]byte, 0, len(activatePrefix)+len(r.Secret))
		buf = append(buf, activatePrefix...)
		buf = append(buf, r.Secret...)
		return buf, true
	case ActionPasswordRecovery:
		buf := make([]byte, 0, len(recoverPrefix)+len(r.Secret)+len(r.Code))
		buf = append(buf, recoverPrefix...)
		buf = append(buf, r.Secret...)
		buf = append(buf, r.Code...)
		return buf, true
	default:
		return nil, false
	}
}

// Shape signs r's secret under signer and returns the fields ready for
// output. It returns an error — and emits nothing — when the row cannot be
// shaped: a wrong-length secret, an unrecognised action (see the spec's
// open question on action-code 0: such rows are logged and skipped rather
// than guessed at), or a signing failure. Callers should log the error with
// the row's index and otherwise continue the batch.
func Shape(signer *mac.Signer, r Row) (Fields, error) {
	if len(r.Secret) != SecretSize {
		return Fields{}, fmt.Errorf("shaper: secret must be %d bytes, got %d", SecretSize, len(r.Secret))
	}
	input, ok := signingInput(r)
	if !ok {
		return Fields{}, fmt.Errorf("shaper: unrecognised action %q", r.Action)
	}
	sum, err := signer.Sign(input)
	if err != nil {
		return Fields{}, fmt.Errorf("shaper: sign: %w", err)
	}

	artifact := make([]byte, 0, len(r.Secret)+len(sum))
	artifact = append(artifact, r.Secret...)
	artifact = append(artifact, sum[:]...)

	return Fields{
		ActionCode:   ActionCode(r.Action),
		Email:        r.Email,
		Login:        r.Login,
		EncodedToken: mac.EncodeURL(artifact),
		Code:         r.Code,
	}, nil
}

// JoinBatch concatenates every row's fields into the single newline-free
// line the store writes for one dequeue. The caller appends the
// terminating newline.
func JoinBatch(rows []Fields) string {
	parts := make([]string, 0, len(rows)*5)
	for _, r := range rows {
		parts = append(parts, r.CSVFields()...)
	}
	return strings.Join(parts, ",")
}
