// Command labctl is the operator CLI: it mints tokens, manages members and
// their QR badges, and runs demo scans against the configured store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"labtrack/internal/app"
	"labtrack/internal/auth"
	"labtrack/internal/badge"
	"labtrack/internal/config"
	"labtrack/internal/member"
	"labtrack/internal/presence"
	"labtrack/internal/scan"
)

const usage = `usage: labctl <command> [flags]

commands:
  token     -sub ID [-role admin|station] [-ttl 12h]   mint an access token
  hash-key  KEY                                        bcrypt a station enrollment key
  member    add|list|qr                                manage members
  scan      -payload P [-station S]                    record a scan (demo)
  logs      [-member ID] [-limit N] [-check]           print recent entries
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, config.Load(), os.Args[1:], os.Stdout)
	if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("labctl: %v", err)
	}
}

func run(ctx context.Context, cfg config.App, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "token":
		return tokenCmd(cfg, rest, out)
	case "hash-key":
		if len(rest) != 1 {
			return errUsage
		}
		hash, err := auth.HashKey(rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out, hash)
		return nil
	case "member", "scan", "logs":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}

	backends, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer backends.Close()
	codec := member.NewCodec(cfg.QRPrefix)
	members := member.NewService(backends.Store, codec, nil)

	switch cmd {
	case "member":
		return memberCmd(ctx, members, rest, out)
	case "scan":
		return scanCmd(ctx, cfg, backends, codec, rest, out)
	default:
		return logsCmd(ctx, backends, rest, out)
	}
}

func tokenCmd(cfg config.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	sub := fs.String("sub", "", "token subject (admin name or station id)")
	role := fs.String("role", auth.RoleAdmin, "admin or station")
	ttl := fs.Duration("ttl", cfg.AccessTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *role != auth.RoleAdmin && *role != auth.RoleStation {
		return fmt.Errorf("%w: role must be admin or station", errUsage)
	}
	tok, err := auth.Issue(*sub, *role, cfg.JWTIssuer, cfg.JWTSigningKey, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok.AccessToken)
	return nil
}

func memberCmd(ctx context.Context, members *member.Service, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("member add", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		first := fs.String("first", "", "first name")
		middle := fs.String("middle", "", "middle name")
		last := fs.String("last", "", "last name")
		ext := fs.String("ext", "", "external id (student or employee number)")
		role := fs.String("role", "", "member or admin")
		qr := fs.Bool("qr", false, "issue a QR payload right away")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		r, err := member.ParseRole(*role)
		if err != nil {
			return err
		}
		m, err := members.Create(ctx, member.Member{FirstName: *first, MiddleName: *middle, LastName: *last, ExternalID: *ext, Role: r})
		if err != nil {
			return err
		}
		if *qr {
			if m, err = members.IssueQR(ctx, m.ID); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", m.ID, m.ExternalID, m.QRPayload)
		return nil

	case "list":
		ms, err := members.List(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tEXTERNAL ID\tNAME\tROLE\tQR")
		for _, m := range ms {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", m.ID, m.ExternalID, m.DisplayName(), m.Role, m.QRPayload != "")
		}
		return tw.Flush()

	case "qr":
		fs := flag.NewFlagSet("member qr", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		id := fs.String("id", "", "member id")
		outPath := fs.String("out", "", "PNG path (default <PREFIX>_QR_<externalId>.png)")
		reissue := fs.Bool("reissue", false, "generate a new payload even if one exists")
		size := fs.Int("size", badge.DefaultSize, "image size in pixels")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		m, err := members.Get(ctx, *id)
		if err != nil {
			return err
		}
		if m.QRPayload == "" || *reissue {
			if m, err = members.IssueQR(ctx, m.ID); err != nil {
				return err
			}
		}
		png, err := badge.Render(m.QRPayload, *size)
		if err != nil {
			return err
		}
		path := *outPath
		if path == "" {
			path = members.Codec().BadgeFilename(m)
		}
		if err := os.WriteFile(path, png, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s\n", m.QRPayload, path)
		return nil
	}
	return fmt.Errorf("%w: unknown member command %q", errUsage, args[0])
}

func scanCmd(ctx context.Context, cfg config.App, b *app.Backends, codec member.Codec, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	station := fs.String("station", "labctl", "station recorded on the entry")
	payload := fs.String("payload", "", "QR payload or bare external id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	svc := scan.NewService(b.Store, member.NewResolver(b.Store, codec, cfg.QRStrictMemberID), b.Gate, cfg.BackendTimeout)

	outcome := scan.Classify(svc.Scan(ctx, scan.Request{Station: *station, Payload: strings.TrimSpace(*payload)}))
	fmt.Fprintln(out, outcome.Message)
	if outcome.Kind != scan.KindAccepted {
		return fmt.Errorf("scan %s", outcome.Kind)
	}
	return nil
}

func logsCmd(ctx context.Context, b *app.Backends, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	memberID := fs.String("member", "", "only this member's entries")
	limit := fs.Int("limit", 20, "number of entries")
	check := fs.Bool("check", false, "verify the member's history alternates IN/OUT")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		logs []presence.LogEntry
		err  error
	)
	if *memberID != "" {
		logs, err = b.Store.ListMemberLogEntries(ctx, *memberID, *limit)
	} else {
		logs, err = b.Store.ListRecentLogEntries(ctx, *limit)
	}
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tMEMBER\tSTATION")
	for _, e := range logs {
		who := e.ExternalID
		if who == "" {
			who = e.MemberID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Action, who, e.RecordedBy)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if *check {
		if *memberID == "" {
			return fmt.Errorf("%w: -check needs -member", errUsage)
		}
		i := presence.CheckAlternation(logs)
		// a truncated window may legitimately begin with OUT
		if last := len(logs) - 1; i == last && len(logs) == *limit && (i == 0 || logs[i].Action != logs[i-1].Action) {
			i = -1
		}
		if i >= 0 {
			return fmt.Errorf("history breaks alternation at entry %s", logs[i].ID)
		}
		fmt.Fprintln(out, "history alternates")
	}
	return nil
}
