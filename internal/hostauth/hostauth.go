// Package hostauth wraps the host's PAM stack as the opaque "host verifier"
// described by spec §4.4 (C4): start/set_item/authenticate/acct_mgmt/
// setcred/open_session/close_session/setcred(delete)/end/strerror. The call
// sequence below follows original_source's linuxio-auth-helper.c exactly:
// pam_start → pam_set_item(PAM_RHOST) → pam_authenticate → pam_acct_mgmt →
// pam_setcred(ESTABLISH) on success, with setcred(DELETE)+close_session+end
// run in reverse order on every exit path after a successful open_session.
package hostauth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/msteinert/pam"

	"github.com/linuxio/linuxio-auth/internal/secret"
)

const (
	serviceName  = "linuxio"
	remoteHost   = "web"
	maxMOTDBytes = 4096
)

// ErrPasswordExpired is returned by Authenticate when the host verifier
// reports that the account's password must be changed before login can
// proceed. It is never conflated with a plain wrong-password failure (spec
// §4.4 disposition rules).
var ErrPasswordExpired = errors.New("password has expired. Please change it via SSH or console")

// Context wraps a single PAM transaction. It must be released via Close,
// which is safe to call multiple times and performs, in order:
// close_session (only if a session was opened), setcred delete, and
// pam_end with the terminal disposition — mirroring spec §3's "Host-verifier context"
// ownership note and §4.4's "closed in reverse order on every exit path"
// rule.
type Context struct {
	tx           *pam.Transaction
	credEstab    bool
	sessionOpen  bool
	lastErr      error
	motd         strings.Builder
}

// Open starts a PAM transaction for username, feeding pw on any silent
// prompt and accumulating informational/error conversation text into a
// bounded MOTD buffer (spec §4.4's split of the PAM conversation into a
// secret supplier and an MOTD collector, per §9's design note).
func Open(username string, pw *secret.Buffer) (*Context, error) {
	c := &Context{}

	conv := func(style pam.Style, msg string) (string, error) {
		switch style {
		case pam.PromptEchoOff:
			var resp string
			pw.Use(func(p []byte) { resp = string(p) })
			return resp, nil
		case pam.ErrorMsg, pam.TextInfo:
			c.appendMOTD(msg)
			return "", nil
		default:
			return "", nil
		}
	}

	tx, err := pam.StartFunc(serviceName, username, conv)
	if err != nil {
		return nil, fmt.Errorf("hostauth.Open: pam_start: %w", err)
	}
	c.tx = tx

	if err := tx.SetItem(pam.Rhost, remoteHost); err != nil {
		_ = tx.End()
		return nil, fmt.Errorf("hostauth.Open: pam_set_item(RHOST): %w", err)
	}
	return c, nil
}

func (c *Context) appendMOTD(msg string) {
	if c.motd.Len() >= maxMOTDBytes {
		return
	}
	if c.motd.Len() > 0 {
		c.motd.WriteByte('\n')
	}
	remaining := maxMOTDBytes - c.motd.Len()
	if len(msg) > remaining {
		msg = msg[:remaining]
	}
	c.motd.WriteString(msg)
}

// MOTD returns the informational text accumulated so far (possibly empty).
func (c *Context) MOTD() string { return c.motd.String() }

// Authenticate runs pam_authenticate followed by pam_acct_mgmt, then
// pam_setcred(ESTABLISH) on success. open_session is deliberately deferred
// to OpenSession so that a failed elevation probe (spec §4.5, run by the
// caller between Authenticate and OpenSession) never leaves a PAM session
// open.
func (c *Context) Authenticate() error {
	if err := c.tx.Authenticate(pam.Flags(0)); err != nil {
		c.lastErr = err
		if isAuthtokExpired(err) {
			return ErrPasswordExpired
		}
		return fmt.Errorf("pam_authenticate: %w", err)
	}
	if err := c.tx.AcctMgmt(pam.Flags(0)); err != nil {
		c.lastErr = err
		if isAuthtokExpired(err) {
			return ErrPasswordExpired
		}
		return fmt.Errorf("pam_acct_mgmt: %w", err)
	}
	if err := c.tx.SetCred(pam.EstablishCred); err != nil {
		c.lastErr = err
		return fmt.Errorf("pam_setcred(establish): %w", err)
	}
	c.credEstab = true
	return nil
}

// OpenSession runs pam_open_session. Call only after Authenticate has
// succeeded and the elevation probe (C5) has already run.
func (c *Context) OpenSession() error {
	if err := c.tx.OpenSession(pam.Flags(0)); err != nil {
		c.lastErr = err
		return fmt.Errorf("pam_open_session: %w", err)
	}
	c.sessionOpen = true
	return nil
}

// Close releases the PAM transaction: close_session (if opened),
// setcred(delete), and pam_end, in that order, using the last observed
// disposition.
// Safe to call multiple times; idempotent.
func (c *Context) Close() {
	if c.tx == nil {
		return
	}
	if c.sessionOpen {
		_ = c.tx.CloseSession(pam.Flags(0))
		c.sessionOpen = false
	}
	if c.credEstab {
		_ = c.tx.SetCred(pam.DeleteCred)
		c.credEstab = false
	}
	_ = c.tx.End()
	c.tx = nil
}

// isAuthtokExpired reports whether err corresponds to PAM's "new
// authentication token required" disposition, which spec §4.4 requires be
// surfaced as ErrPasswordExpired rather than a generic authentication
// failure.
func isAuthtokExpired(err error) bool {
	var perr pam.Error
	if errors.As(err, &perr) {
		return perr == pam.ErrAuthtokExpired || perr == pam.ErrNewAuthtokReqd
	}
	return false
}
