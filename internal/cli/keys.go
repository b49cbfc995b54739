package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/teampulse/pulse-ai/internal/config"
	"github.com/teampulse/pulse-ai/internal/keys"
)

func newKeysCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List configured provider keys",
		Long:  "Print every configured API key as provider, index and fingerprint. Secrets are never shown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			pool := newPool(cfg)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "PROVIDER\tINDEX\tFINGERPRINT")
			for _, provider := range keys.Providers {
				creds, err := pool.Credentials(provider)
				if err != nil {
					_, _ = fmt.Fprintf(w, "%s\t-\tnone configured\n", provider)
					continue
				}
				for _, cred := range creds {
					_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", cred.Provider, cred.Index, cred.Fingerprint())
				}
			}
			return w.Flush()
		},
	}
}

func newPool(cfg *config.Config) *keys.Pool {
	secrets := make(map[keys.Provider][]string, len(keys.Providers))
	for _, provider := range keys.Providers {
		secrets[provider] = cfg.ProviderKeys(string(provider))
	}
	return keys.NewPool(secrets)
}
