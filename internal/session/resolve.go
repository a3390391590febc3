package session

import "github.com/rmonteiro98/papo/internal/config"

const DefaultSessionName = "main"

// Resolve picks the session papod runs as: the -session flag wins,
// then default_session from config.toml, then "main". Each session
// owns its own state database, log file and lock, so two accounts can
// run side by side.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
