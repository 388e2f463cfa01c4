package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/splax/morphlink/internal/domain"
	apiclient "github.com/splax/morphlink/pkg/api/client"
)

const (
	defaultAPIBaseURL = "http://localhost:8000"
	requestTimeout    = 15 * time.Second
)

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
	User       string `json:"user"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "config":
		err = commandConfig(args)
	case "link":
		err = commandLink(args)
	case "resolve":
		err = commandResolve(args)
	case "stats":
		err = commandStats(args)
	case "modules":
		err = commandModules(args)
	case "watch":
		err = commandWatch(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	apiBase := fs.String("api", "", "Dispatcher base URL")
	user := fs.String("user", "", "Default user for link and stats commands")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}
	if strings.TrimSpace(*user) != "" {
		cfg.User = strings.TrimSpace(*user)
	}
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("api=%s user=%s\n", cfg.APIBaseURL, cfg.User)
	return nil
}

// session bundles the client and the effective user for one command.
type session struct {
	client *apiclient.Client
	user   string
}

func newSession(userFlag string, needUser bool) (session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return session{}, err
	}
	user := strings.TrimSpace(userFlag)
	if user == "" {
		user = cfg.User
	}
	if needUser && user == "" {
		return session{}, errors.New("--user is required (or set one with 'morphctl config --user')")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return session{}, err
	}
	return session{client: client, user: user}, nil
}

func commandLink(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: morphctl link [create|list|get|update|delete]")
	}
	sub := args[0]
	fs := flag.NewFlagSet("link "+sub, flag.ExitOnError)
	user := fs.String("user", "", "Acting user")
	code := fs.String("code", "", "Short code")
	longURL := fs.String("url", "", "Long URL")
	fs.Parse(args[1:])

	s, err := newSession(*user, true)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	needCode := func() error {
		if strings.TrimSpace(*code) == "" {
			return errors.New("--code is required")
		}
		return nil
	}
	needURL := func() error {
		if strings.TrimSpace(*longURL) == "" {
			return errors.New("--url is required")
		}
		return nil
	}

	switch sub {
	case "create":
		if err := needURL(); err != nil {
			return err
		}
		link, err := s.client.CreateLink(ctx, s.user, *longURL)
		if err != nil {
			return err
		}
		printLinks(os.Stdout, []domain.Link{link})
	case "list":
		links, err := s.client.ListLinks(ctx, s.user)
		if err != nil {
			return err
		}
		printLinks(os.Stdout, links)
	case "get":
		if err := needCode(); err != nil {
			return err
		}
		link, err := s.client.GetLink(ctx, s.user, *code)
		if err != nil {
			return err
		}
		printLinks(os.Stdout, []domain.Link{link})
	case "update":
		if err := errors.Join(needCode(), needURL()); err != nil {
			return err
		}
		link, err := s.client.UpdateLink(ctx, s.user, *code, *longURL)
		if err != nil {
			return err
		}
		printLinks(os.Stdout, []domain.Link{link})
	case "delete":
		if err := needCode(); err != nil {
			return err
		}
		if err := s.client.DeleteLink(ctx, s.user, *code); err != nil {
			return err
		}
		fmt.Printf("link deleted: %s\n", *code)
	default:
		return fmt.Errorf("unknown link command: %s", sub)
	}
	return nil
}

func commandResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	code := fs.String("code", "", "Short code")
	fs.Parse(args)
	if strings.TrimSpace(*code) == "" {
		return errors.New("--code is required")
	}

	s, err := newSession("", false)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	location, err := s.client.Resolve(ctx, *code)
	if err != nil {
		return err
	}
	fmt.Println(location)
	return nil
}

func commandStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	user := fs.String("user", "", "Acting user")
	code := fs.String("code", "", "Short code (omit for a summary of every link)")
	fs.Parse(args)

	s, err := newSession(*user, true)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if strings.TrimSpace(*code) == "" {
		summary, err := s.client.Summary(ctx, s.user)
		if err != nil {
			return err
		}
		printStats(os.Stdout, summary)
		return nil
	}
	stats, err := s.client.LinkStats(ctx, s.user, *code)
	if err != nil {
		return err
	}
	printStats(os.Stdout, []domain.LinkStats{stats})
	for _, click := range stats.Recent {
		fmt.Printf("  %s\t%s\t%s\n", click.ClickedAt.Format(time.RFC3339), orDash(click.Referrer), orDash(click.UserAgent))
	}
	return nil
}

func commandModules(args []string) error {
	fs := flag.NewFlagSet("modules", flag.ExitOnError)
	fs.Parse(args)

	s, err := newSession("", false)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	mods, err := s.client.Modules(ctx)
	if err != nil {
		return err
	}
	printModules(os.Stdout, mods)
	return nil
}

func commandWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	fs.Parse(args)

	s, err := newSession("", false)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(os.Stderr, "watching mode transitions, press Ctrl+C to stop")
	err = s.client.Watch(ctx, func(t domain.Transition) {
		fmt.Println(formatTransition(t))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func formatTransition(t domain.Transition) string {
	return fmt.Sprintf("%s\t%s\t%s -> %s\trate=%d\t%s", t.At.Format(time.RFC3339), t.Module, t.From, t.To, t.Rate, t.Reason)
}

// table aligns columns when stdout is a terminal and emits plain
// tab-separated rows otherwise, so output stays easy to pipe.
func table(out io.Writer) (io.Writer, func()) {
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		return tw, func() { _ = tw.Flush() }
	}
	return out, func() {}
}

func printLinks(out io.Writer, links []domain.Link) {
	w, flush := table(out)
	defer flush()
	fmt.Fprintln(w, "CODE\tURL\tUSER\tUPDATED")
	for _, l := range links {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.ShortCode, l.LongURL, l.Owner, l.UpdatedAt.Format(time.RFC3339))
	}
}

func printStats(out io.Writer, stats []domain.LinkStats) {
	w, flush := table(out)
	defer flush()
	fmt.Fprintln(w, "CODE\tCLICKS\tLAST CLICK\tURL")
	for _, s := range stats {
		last := "-"
		if s.LastClickedAt != nil {
			last = s.LastClickedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.ShortCode, s.Clicks, last, orDash(s.LongURL))
	}
}

func printModules(out io.Writer, mods []apiclient.ModuleStatus) {
	w, flush := table(out)
	defer flush()
	fmt.Fprintln(w, "MODULE\tMODE\tRPM\tLAST TRANSITION\tWORKER")
	for _, m := range mods {
		last := "-"
		if m.LastTransition != nil {
			last = m.LastTransition.Format(time.RFC3339)
		}
		worker := "-"
		if m.Process != nil {
			worker = fmt.Sprintf("%s (%s)", m.Process.Addr, m.Process.ID)
		} else if m.Starting {
			worker = "starting"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", m.Module, m.Mode, m.Rate, last, worker)
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: envOr("MORPHLINK_API", defaultAPIBaseURL)}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = envOr("MORPHLINK_API", defaultAPIBaseURL)
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "morphctl", "config.json"), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Printf("morphctl %s\n\n", buildVersion)
	fmt.Print(`Usage:
	morphctl config [--api http://localhost:8000] [--user alice]
	morphctl link create --url <long-url> [--user alice]
	morphctl link list [--user alice]
	morphctl link get --code <code> [--user alice]
	morphctl link update --code <code> --url <long-url> [--user alice]
	morphctl link delete --code <code> [--user alice]
	morphctl resolve --code <code>
	morphctl stats [--code <code>] [--user alice]
	morphctl modules
	morphctl watch
	morphctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
