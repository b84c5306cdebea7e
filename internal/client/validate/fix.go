package validate

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// maxRemoteFixes caps how many files one session offers to the server; a
// badly mangled tree should not turn into a model-call storm.
const maxRemoteFixes = 5

// Channel is the slice of the envelope channel the remote fixer needs.
type Channel interface {
	Call(ctx context.Context, env *wire.Envelope, requestID string) (*wire.Envelope, error)
}

// FixRemotely offers malformed files to the server's format fixer and
// writes corrections back. The call sites gate this on explicit opt-in;
// files the server declines stay untouched. Returns how many were repaired.
func (v *Validator) FixRemotely(ctx context.Context, ch Channel, problems []Problem) int {
	fixed := 0
	for _, p := range problems {
		if fixed >= maxRemoteFixes {
			v.log.Warn("leaving remaining malformed files for the next session", "left", len(problems)-fixed)
			break
		}
		if p.Content == "" {
			// Structural problems (a missing file) have nothing to fix.
			continue
		}

		reqID := uuid.NewString()
		env, err := wire.New(wire.TypeFormatFix, wire.FormatFix{
			RequestID: reqID,
			Path:      p.Path,
			Content:   p.Content,
			Problem:   p.Detail,
		})
		if err != nil {
			continue
		}
		reply, err := ch.Call(ctx, env, reqID)
		if err != nil || reply == nil {
			continue
		}
		var resp wire.FormatFixResponse
		if reply.Decode(&resp) != nil || !resp.Fixed || strings.TrimSpace(resp.Content) == "" {
			v.log.Info("server declined to repair file", "path", p.Path)
			continue
		}

		abs := filepath.Join(v.dir.Root(), filepath.FromSlash(p.Path))
		if err := os.WriteFile(abs, []byte(resp.Content), 0o644); err != nil {
			v.log.Warn("writing repaired file failed", "path", p.Path, "error", err)
			continue
		}
		v.log.Info("server repaired a malformed file", "path", p.Path, "problem", p.Detail)
		fixed++
	}
	return fixed
}
