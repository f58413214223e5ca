// Command knocker is a Single Packet Authentication (SPA) client: it builds
// encrypted, signed knock datagrams and sends them to openme-compatible
// servers to temporarily open firewall ports.
//
// Usage:
//
//	knocker knock                   # knock using the default profile
//	knocker knock home              # knock using the 'home' profile
//	knocker keep home               # knock continuously until interrupted
//	knocker status home --knock     # knock, then probe the TCP health port
//	knocker profiles                # list configured profiles
//	knocker add <name> ...          # create a profile with a fresh keypair
//	knocker export home --qr        # show a profile's transfer payload as QR
//	knocker discover                # browse the LAN for knock servers
//	knocker history                 # show recorded knock attempts
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"knocker/config"
	"knocker/crypto"
	"knocker/discovery"
	"knocker/network"
	"knocker/session"
	"knocker/storage"
)

func main() {
	log.SetFlags(0)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "knocker",
		Short: "Single Packet Authentication knock client",
		Long: `knocker sends SPA knock packets: single UDP datagrams built with an
ephemeral Curve25519 exchange, ChaCha20-Poly1305 encryption, and an Ed25519
signature, asking a server to temporarily open a firewall port.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newKnockCmd(),
		newKeepCmd(),
		newStatusCmd(),
		newProfilesCmd(),
		newAddCmd(),
		newRemoveCmd(),
		newImportCmd(),
		newExportCmd(),
		newDiscoverCmd(),
		newHistoryCmd(),
	)
	return root
}

func openStore() (*config.Store, error) {
	store, err := config.OpenDefaultStore()
	if err != nil {
		return nil, fmt.Errorf("loading profiles: %w", err)
	}
	return store, nil
}

func openHistory() (*storage.Store, error) {
	dataDir, err := config.ResolveDataDir()
	if err != nil {
		return nil, fmt.Errorf("resolving data directory: %w", err)
	}
	history, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	return history, nil
}

func newSession(store *config.Store, history *storage.Store, interval time.Duration) (*session.Session, error) {
	return session.New(session.Options{
		Profiles:      store,
		Transport:     &network.UDPSender{},
		Recorder:      history,
		KnockInterval: interval,
		// The CLI reports outcomes itself; no display window needed.
		DisplayTimeout: -1,
	})
}

func profileArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

// ────────────────────────────────────────────────────────────────────────────
// knocker knock [profile]
// ────────────────────────────────────────────────────────────────────────────

func newKnockCmd() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "knock [profile]",
		Short: "Send one knock packet",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKnock(profileArg(args), target)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "address to authorize instead of the knock's source address")
	return cmd
}

func runKnock(profileName, target string) error {
	var targetAddr net.IP
	if target != "" {
		targetAddr = net.ParseIP(target)
		if targetAddr == nil {
			return fmt.Errorf("invalid --target address %q", target)
		}
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	history, err := openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	knocks, err := newSession(store, history, 0)
	if err != nil {
		return err
	}
	defer knocks.Close()

	if err := knocks.KnockTo(profileName, targetAddr); err != nil {
		return fmt.Errorf("knock failed: %w", err)
	}

	profile, err := store.Profile(profileName)
	if err != nil {
		return err
	}
	fmt.Printf("knocked %s:%d\n", profile.ServerHost, profile.ServerUDPPort)

	runPostKnock(profile.PostKnock)
	return nil
}

// runPostKnock runs the profile's optional post-knock command. Servers keep
// the authorization open for a limited window, so this typically starts the
// connection the knock was for.
func runPostKnock(command string) {
	if command == "" {
		return
	}

	shell, shellFlag := "sh", "-c"
	if runtime.GOOS == "windows" {
		shell, shellFlag = "cmd", "/C"
	}

	cmd := exec.Command(shell, shellFlag, command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		log.Printf("post-knock command failed: %v", err)
	}
}

// ────────────────────────────────────────────────────────────────────────────
// knocker keep [profile]
// ────────────────────────────────────────────────────────────────────────────

func newKeepCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "keep [profile]",
		Short: "Knock continuously until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeep(profileArg(args), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", session.DefaultKnockInterval, "re-knock period")
	return cmd
}

func runKeep(profileName string, interval time.Duration) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	history, err := openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	knocks, err := newSession(store, history, interval)
	if err != nil {
		return err
	}
	defer knocks.Close()

	unsubscribe := knocks.Subscribe(func(event session.Event) {
		switch event.State.Phase {
		case session.PhaseSucceeded:
			log.Printf("%s: knock sent", event.ProfileName)
		case session.PhaseFailed:
			log.Printf("%s: knock failed: %s", event.ProfileName, event.State.Reason)
		}
	})
	defer unsubscribe()

	if err := knocks.StartContinuous(profileName); err != nil {
		return fmt.Errorf("continuous knock failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("%s: knocking every %s (press Ctrl+C to stop)", profileName, interval)
	<-ctx.Done()
	knocks.StopContinuous(profileName)
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// knocker status [profile]
// ────────────────────────────────────────────────────────────────────────────

func newStatusCmd() *cobra.Command {
	var knockFirst bool

	cmd := &cobra.Command{
		Use:   "status [profile]",
		Short: "Check if the server's TCP health port is open",
		Long: `Check reachability of the server's TCP health port.

The health port is only open after a successful knock; it is never
permanently accessible. Use --knock to send a knock first and then probe,
which verifies the full authentication round trip end-to-end.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(profileArg(args), knockFirst)
		},
	}
	cmd.Flags().BoolVar(&knockFirst, "knock", false, "knock first, then check the health port")
	return cmd
}

func runStatus(profileName string, knockFirst bool) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	profile, err := store.Profile(profileName)
	if err != nil {
		return err
	}

	if knockFirst {
		if err := runKnock(profileName, ""); err != nil {
			return err
		}
		// Give the server time to apply the firewall rule before probing.
		time.Sleep(500 * time.Millisecond)
	}

	fmt.Printf("checking health port %s:%d (tcp)\n", profile.ServerHost, profile.ServerUDPPort)
	if network.HealthCheck(profile.ServerHost, profile.ServerUDPPort, network.DefaultHealthCheckTimeout) {
		fmt.Println("health port is open; authentication succeeded")
		return nil
	}

	if knockFirst {
		fmt.Println("health port is still closed after knocking; check the server logs")
	} else {
		fmt.Println("health port is closed; it only opens after a successful knock (try --knock)")
	}
	return fmt.Errorf("health port unreachable")
}

// ────────────────────────────────────────────────────────────────────────────
// knocker profiles
// ────────────────────────────────────────────────────────────────────────────

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List configured profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProfiles()
		},
	}
}

func runProfiles() error {
	store, err := openStore()
	if err != nil {
		return err
	}

	entries := store.List()
	if len(entries) == 0 {
		fmt.Printf("no profiles configured (file: %s)\n", store.Path())
		return nil
	}

	for _, entry := range entries {
		fmt.Printf("%-20s %s:%d\n", entry.Name, entry.ServerHost, entry.ServerUDPPort)
	}
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// knocker add <name>
// ────────────────────────────────────────────────────────────────────────────

func newAddCmd() *cobra.Command {
	var (
		host      string
		port      uint16
		serverKey string
		postKnock string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a profile with a fresh keypair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(args[0], host, port, serverKey, postKnock)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "knock server hostname or IP (required)")
	cmd.Flags().Uint16Var(&port, "port", config.DefaultServerPort, "knock server UDP port")
	cmd.Flags().StringVar(&serverKey, "server-key", "", "server public key, base64 (required)")
	cmd.Flags().StringVar(&postKnock, "post-knock", "", "command to run after a successful knock")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("server-key")
	return cmd
}

func runAdd(profileName, host string, port uint16, serverKey, postKnock string) error {
	if port == 0 {
		return fmt.Errorf("invalid --port %d", port)
	}

	privateKey, publicKey, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	err = store.Put(profileName, &config.Profile{
		ServerHost:    host,
		ServerUDPPort: port,
		ServerPubKey:  serverKey,
		PrivateKey:    crypto.EncodeKey(privateKey),
		PublicKey:     crypto.EncodeKey(publicKey),
		PostKnock:     postKnock,
	})
	if err != nil {
		return err
	}

	fmt.Printf("profile %q added\n", profileName)
	fmt.Printf("public key:  %s\n", crypto.EncodeKey(publicKey))
	fmt.Printf("fingerprint: %s\n", crypto.FormatFingerprint(crypto.Fingerprint(publicKey)))
	fmt.Println("register the public key with the server operator before knocking")
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// knocker remove <name>
// ────────────────────────────────────────────────────────────────────────────

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("profile %q removed\n", args[0])
			return nil
		},
	}
}

// ────────────────────────────────────────────────────────────────────────────
// knocker import [file]
// ────────────────────────────────────────────────────────────────────────────

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Import a transfer payload (default stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(args)
		},
	}
}

func runImport(args []string) error {
	var raw []byte
	var err error
	if len(args) > 0 && args[0] != "-" {
		raw, err = os.ReadFile(args[0])
	} else {
		raw, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}

	name, profile, err := config.ParseTransferPayload(raw)
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.Put(name, profile); err != nil {
		return err
	}
	fmt.Printf("profile %q imported (%s:%d)\n", name, profile.ServerHost, profile.ServerUDPPort)
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// knocker export [profile]
// ────────────────────────────────────────────────────────────────────────────

func newExportCmd() *cobra.Command {
	var asQR bool

	cmd := &cobra.Command{
		Use:   "export [profile]",
		Short: "Print a profile's transfer payload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(profileArg(args), asQR)
		},
	}
	cmd.Flags().BoolVar(&asQR, "qr", false, "render the payload as a terminal QR code")
	return cmd
}

func runExport(profileName string, asQR bool) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	profile, err := store.Profile(profileName)
	if err != nil {
		return err
	}

	payload, err := config.EncodeTransferPayload(profileName, profile)
	if err != nil {
		return err
	}

	if !asQR {
		fmt.Println(string(payload))
		return nil
	}

	code, err := qrcode.New(string(payload), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("rendering QR: %w", err)
	}
	fmt.Println("the payload contains the profile's private key; treat the QR as a secret")
	fmt.Println(code.ToSmallString(false))
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// knocker discover
// ────────────────────────────────────────────────────────────────────────────

func newDiscoverCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse the LAN for knock servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultScanTimeout, "scan window")
	return cmd
}

func runDiscover(timeout time.Duration) error {
	servers, err := discovery.Scan(context.Background(), discovery.Config{ScanTimeout: timeout})
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("no knock servers found")
		return nil
	}

	for _, server := range servers {
		fmt.Printf("%-30s version=%d", server.String(), server.Version)
		if server.Fingerprint != "" {
			fmt.Printf(" fingerprint=%s", crypto.FormatFingerprint(server.Fingerprint))
		}
		fmt.Println()
	}
	return nil
}

// ────────────────────────────────────────────────────────────────────────────
// knocker history [profile]
// ────────────────────────────────────────────────────────────────────────────

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [profile]",
		Short: "Show recorded knock attempts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(profileArg(args), limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum attempts to show")
	return cmd
}

func runHistory(profileName string, limit int) error {
	history, err := openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	attempts, err := history.ListKnocks(profileName, limit)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Println("no knock attempts recorded")
		return nil
	}

	for _, attempt := range attempts {
		when := time.UnixMilli(attempt.Timestamp).Format(time.RFC3339)
		line := fmt.Sprintf("%s  %-20s %s", when, attempt.ProfileName, attempt.Outcome)
		if attempt.Reason != "" {
			line += "  " + attempt.Reason
		}
		fmt.Println(line)
	}
	return nil
}
