package checks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"bytemomo/warden/internal/domain"
)

// UserAccounts inspects /etc/passwd and /etc/shadow for privileged or
// password-less accounts.
type UserAccounts struct {
	Params UserAccountsParams
}

// UserAccountsParams configures UserAccounts.
type UserAccountsParams struct {
	// AllowedUID0 lists accounts allowed to hold uid 0. Default: root.
	AllowedUID0 []string `yaml:"allowed_uid0"`
}

func NewUserAccounts() *UserAccounts { return &UserAccounts{} }

func (c *UserAccounts) Name() string         { return "user_accounts" }
func (c *UserAccounts) Categories() []string { return []string{CategoryUserAccounts} }
func (c *UserAccounts) Describe() string {
	return "Looks for extra uid 0 accounts, duplicate uids and empty passwords"
}

type passwdEntry struct {
	User  string
	UID   string
	Shell string
}

func (c *UserAccounts) Run(ctx context.Context, target domain.Target) ([]domain.Finding, error) {
	root := target.FSRoot()
	users, err := readColonFile(filepath.Join(root, "etc/passwd"), 7)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.Unavailable(c.Name(), "no /etc/passwd on target")
	}
	if err != nil {
		return nil, err
	}

	allowed := c.Params.AllowedUID0
	if len(allowed) == 0 {
		allowed = []string{"root"}
	}

	var out []domain.Finding
	byUID := map[string][]string{}
	var entries []passwdEntry
	for _, fields := range users {
		e := passwdEntry{User: fields[0], UID: fields[2], Shell: fields[6]}
		entries = append(entries, e)
		byUID[e.UID] = append(byUID[e.UID], e.User)

		if e.UID == "0" && !slices.Contains(allowed, e.User) {
			out = append(out, domain.Finding{
				Category:       CategoryUserAccounts,
				Severity:       domain.SeverityCritical,
				Title:          "Account " + e.User + " has uid 0",
				Description:    "Besides root, " + e.User + " has full administrative privileges.",
				Recommendation: "Give the account a unique unprivileged uid or remove it.",
				Evidence:       map[string]any{"user": e.User, "uid": e.UID},
			})
		}
	}

	for _, e := range entries {
		names := byUID[e.UID]
		if len(names) < 2 || names[0] != e.User {
			continue
		}
		out = append(out, domain.Finding{
			Category:       CategoryUserAccounts,
			Severity:       domain.SeverityMedium,
			Title:          "Duplicate uid " + e.UID,
			Description:    fmt.Sprintf("Accounts %s share uid %s and cannot be told apart in audit logs.", strings.Join(names, ", "), e.UID),
			Recommendation: "Assign each account a unique uid.",
			Evidence:       map[string]any{"uid": e.UID, "users": names},
		})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shadow, err := readColonFile(filepath.Join(root, "etc/shadow"), 2)
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return out, nil
	case err != nil:
		return nil, err
	}
	for _, fields := range shadow {
		if fields[1] != "" {
			continue
		}
		out = append(out, domain.Finding{
			Category:       CategoryUserAccounts,
			Severity:       domain.SeverityCritical,
			Title:          "Account " + fields[0] + " has an empty password",
			Description:    "Anyone can log in as " + fields[0] + " without a password.",
			Recommendation: "Set a password or lock the account with passwd -l " + fields[0] + ".",
			Evidence:       map[string]any{"user": fields[0]},
		})
	}
	return out, nil
}

// readColonFile parses a colon-separated database, skipping comments and
// lines with fewer than minFields fields.
func readColonFile(path string, minFields int) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out [][]string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < minFields {
			continue
		}
		out = append(out, fields)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}
