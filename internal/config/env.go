package config

import (
	"os"
	"strings"

	"crosspost/internal/model"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "CROSSPOST_"

// KnownProviders are the platforms a providers.<name> block may configure.
var KnownProviders = []string{
	model.PlatformTwitter,
	model.PlatformLinkedIn,
	model.PlatformFacebook,
	model.PlatformInstagram,
	model.PlatformThreads,
}

// ApplyEnv overlays secrets and endpoints from the environment. A set
// variable wins over the file; an unset or blank one leaves it alone.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, name string) {
		if v := strings.TrimSpace(getenv(EnvPrefix + name)); v != "" {
			*dst = v
		}
	}

	set(&cfg.Queue.Driver, "QUEUE_DRIVER")
	set(&cfg.Queue.DSN, "QUEUE_DSN")
	set(&cfg.Storage.Driver, "STORAGE_DRIVER")
	set(&cfg.Storage.DSN, "STORAGE_DSN")
	set(&cfg.HTTP.Secret, "CRON_SECRET")
	set(&cfg.Alert.Telegram.Token, "TELEGRAM_TOKEN")
	set(&cfg.Events.NATSURL, "NATS_URL")

	for _, name := range KnownProviders {
		p := cfg.Providers[name]
		before := p
		env := strings.ToUpper(name) + "_"
		set(&p.ClientID, env+"CLIENT_ID")
		set(&p.ClientSecret, env+"CLIENT_SECRET")
		set(&p.RedirectURI, env+"REDIRECT_URI")
		set(&p.TokenURL, env+"TOKEN_URL")
		set(&p.APIBase, env+"API_BASE")
		if p != before {
			if cfg.Providers == nil {
				cfg.Providers = map[string]ProviderConfig{}
			}
			cfg.Providers[name] = p
		}
	}
}
