package cmd

import (
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/satya-market/access-go/internal/config"
	"github.com/satya-market/access-go/internal/tui"
	"github.com/satya-market/access-go/pkg/registry"
	"github.com/spf13/cobra"
)

// configCmd represents the configure command
var configCmd = &cobra.Command{
	Use:   "configure",
	Short: "Configure the package, key servers and ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := tea.NewProgram(tui.InitialModel(currentValues(cfg)...))
		m, err := p.Run()
		if err != nil {
			return fmt.Errorf("the tea is rotten: %w", err)
		}
		model, ok := m.(tui.Model)
		if !ok {
			return fmt.Errorf("can't assert tui model")
		}
		if model.Quit {
			fmt.Println("Not saving configuration...")
			return nil
		}
		if err := applyValues(cfg, model); err != nil {
			return err
		}

		path := cfgFile
		if path == "" {
			if path, err = config.DefaultPath(); err != nil {
				return err
			}
		}
		if err := cfg.Write(path); err != nil {
			return fmt.Errorf("could not save configuration: %w", err)
		}
		fmt.Println("Config saved! ", path)
		if err := cfg.Validate(); err != nil {
			fmt.Println("warning:", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func currentValues(c *config.Config) []string {
	servers := make([]string, 0, len(c.KeyServers))
	for _, ks := range c.KeyServers {
		servers = append(servers, ks.ID+"="+ks.URL)
	}
	return []string{
		tui.PackageID:   c.PackageID,
		tui.Threshold:   strconv.Itoa(c.Threshold),
		tui.KeyServers:  strings.Join(servers, ","),
		tui.LedgerRPC:   c.Ledger.RPCURL,
		tui.SessionTTL:  strconv.Itoa(c.Session.TTLMinutes),
		tui.StoragePath: c.Storage.Path,
	}
}

// applyValues merges the form into c. Key servers already configured keep
// their weight, access mode and credentials.
func applyValues(c *config.Config, m tui.Model) error {
	c.PackageID = m.Value(tui.PackageID)
	if v := m.Value(tui.Threshold); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("threshold %q is not a number", v)
		}
		c.Threshold = n
	}
	if v := m.Value(tui.SessionTTL); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("session ttl %q is not a number", v)
		}
		c.Session.TTLMinutes = n
	}
	c.Ledger.RPCURL = m.Value(tui.LedgerRPC)
	c.Storage.Path = m.Value(tui.StoragePath)

	urls, order, err := tui.ParseKeyServers(m.Value(tui.KeyServers))
	if err != nil {
		return err
	}
	existing := make(map[string]registry.Descriptor, len(c.KeyServers))
	for _, ks := range c.KeyServers {
		existing[ks.ID] = ks
	}
	servers := make([]registry.Descriptor, 0, len(order))
	for _, id := range order {
		d, ok := existing[id]
		if !ok {
			d = registry.Descriptor{ID: id, Weight: 1, AccessMode: registry.AccessOpen, Active: true}
		}
		d.URL = urls[id]
		servers = append(servers, d)
	}
	c.KeyServers = servers
	return nil
}
