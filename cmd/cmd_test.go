package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/satya-market/access-go/internal/config"
	"github.com/satya-market/access-go/internal/tui"
	"github.com/satya-market/access-go/pkg/access"
	"github.com/satya-market/access-go/pkg/policy"
	"github.com/satya-market/access-go/pkg/registry"
)

func TestApplyValuesKeepsServerSettings(t *testing.T) {
	c := &config.Config{
		KeyServers: []registry.Descriptor{{
			ID:         "0xa",
			URL:        "https://old.example.com",
			Weight:     5,
			AccessMode: registry.AccessPermissioned,
			Active:     true,
			OAuth:      &registry.OAuthConfig{ClientID: "satya"},
		}},
	}
	m := tui.InitialModel("0xpkg", "2", "0xa=https://a.example.com,0xb=https://b.example.com", "", "45", "/tmp/satya")
	if err := applyValues(c, m); err != nil {
		t.Fatal(err)
	}
	if c.PackageID != "0xpkg" || c.Threshold != 2 || c.Session.TTLMinutes != 45 {
		t.Fatalf("got %+v", c)
	}
	if len(c.KeyServers) != 2 {
		t.Fatalf("got %d servers", len(c.KeyServers))
	}
	a, b := c.KeyServers[0], c.KeyServers[1]
	if a.URL != "https://a.example.com" || a.Weight != 5 || a.OAuth == nil {
		t.Errorf("existing server lost settings: %+v", a)
	}
	if b.Weight != 1 || b.AccessMode != registry.AccessOpen || !b.Active {
		t.Errorf("new server defaults: %+v", b)
	}

	bad := tui.InitialModel("0xpkg", "two")
	if err := applyValues(c, bad); err == nil {
		t.Fatal("non numeric threshold should fail")
	}
}

func TestPolicyParams(t *testing.T) {
	t.Cleanup(func() { policyType, sellerAddr, unlockTime = string(policy.Allowlist), "", "" })

	policyType = string(policy.PaymentGated)
	p, err := policyParams("0xcreator")
	if err != nil {
		t.Fatal(err)
	}
	if p.SellerAddress != "0xcreator" {
		t.Fatalf("seller = %q", p.SellerAddress)
	}

	policyType = string(policy.TimeLocked)
	unlockTime = "2030-01-01T00:00:00Z"
	p, err = policyParams("0xcreator")
	if err != nil {
		t.Fatal(err)
	}
	if p.UnlockTime.Year() != 2030 {
		t.Fatalf("unlock = %s", p.UnlockTime)
	}
	unlockTime = "tomorrow"
	if _, err := policyParams("0xcreator"); err == nil {
		t.Fatal("bad unlock time should fail")
	}
}

func TestDecryptDest(t *testing.T) {
	t.Cleanup(func() { outPath = "" })
	env := &access.Envelope{Name: "a.csv"}
	if got := decryptDest("/data/x.sealed.json", env, 0, 2); got != filepath.Join("/data", "a.csv") {
		t.Fatalf("got %s", got)
	}
	outPath = "/out/plain"
	if got := decryptDest("/data/x.sealed.json", env, 0, 1); got != "/out/plain" {
		t.Fatalf("got %s", got)
	}
}

func TestLoadWallet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed")
	seed := "0x" + "0101010101010101010101010101010101010101010101010101010101010101"
	if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := loadWallet(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("SEAL_WALLET_KEY", seed)
	b, err := loadWallet("")
	if err != nil {
		t.Fatal(err)
	}
	if a.Address() != b.Address() {
		t.Fatal("file and env seed differ")
	}
	t.Setenv("SEAL_WALLET_KEY", "")
	if _, err := loadWallet(""); err == nil {
		t.Fatal("missing key should fail")
	}
}
