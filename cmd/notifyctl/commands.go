package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"

	"github.com/and161185/token-notifier/internal/app"
	"github.com/and161185/token-notifier/internal/model"
	"github.com/and161185/token-notifier/internal/service"
)

var errUsage = errors.New("usage")

// run executes one subcommand against a wired application and prints JSON to out.
func run(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", errUsage)
	}
	cmd, rest := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	user := fs.String("user", "", "user id (uuid)")
	channel := fs.String("channel", "", "email|messaging|push")

	switch cmd {

	case "run-once":
		at := fs.String("at", "", "evaluation instant (RFC3339, default now)")
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		now, err := parseAt(*at)
		if err != nil {
			return err
		}
		sum, err := a.Coordinator.RunOnce(ctx, now)
		if err != nil {
			return err
		}
		return printJSON(out, summaryView(sum))

	case "send-test":
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		id, ch, err := userChannel(*user, *channel)
		if err != nil {
			return err
		}
		rec, err := a.Coordinator.SendNow(ctx, id, ch)
		if err != nil {
			return err
		}
		return printJSON(out, rec)

	case "next":
		at := fs.String("at", "", "evaluation instant (RFC3339, default now)")
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		id, ch, err := userChannel(*user, *channel)
		if err != nil {
			return err
		}
		now, err := parseAt(*at)
		if err != nil {
			return err
		}
		v, err := a.Engine.Check(ctx, id, ch, now)
		if err != nil {
			return err
		}
		return printJSON(out, v)

	case "balance":
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		id, err := parseUser(*user)
		if err != nil {
			return err
		}
		b, err := a.Ledger.Balance(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(out, balanceView{
			UserID:      b.UserID.String(),
			Balance:     b.Balance,
			Tier:        a.Ledger.TierFor(b.Balance).String(),
			LastDebitAt: b.LastDebitAt,
		})

	case "debit", "credit":
		amount := fs.Int64("amount", 0, "token amount (> 0)")
		reason := fs.String("reason", "", "history reason")
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		id, err := parseUser(*user)
		if err != nil {
			return err
		}
		var res model.DebitResult
		if cmd == "debit" {
			res, err = a.Ledger.Debit(ctx, id, *amount, *reason)
		} else {
			res, err = a.Ledger.Credit(ctx, id, *amount, *reason)
		}
		if err != nil {
			return err
		}
		return printJSON(out, transitionView(res))

	case "charge":
		prompt := fs.Int64("prompt", 0, "prompt tokens")
		completion := fs.Int64("completion", 0, "completion tokens")
		reason := fs.String("reason", "", "history reason")
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		id, err := parseUser(*user)
		if err != nil {
			return err
		}
		res, err := a.Ledger.Charge(ctx, id, service.Usage{PromptTokens: *prompt, CompletionTokens: *completion}, *reason)
		if err != nil {
			return err
		}
		return printJSON(out, transitionView(res))

	case "history":
		limit := fs.Int("limit", 20, "page size")
		offset := fs.Int("offset", 0, "records to skip")
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		id, err := parseUser(*user)
		if err != nil {
			return err
		}
		recs, total, err := a.Ledger.History(ctx, id, *limit, *offset)
		if err != nil {
			return err
		}
		return printJSON(out, struct {
			Total   int
			Records []model.HistoryRecord
		}{total, recs})

	case "prefs-get":
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		id, err := parseUser(*user)
		if err != nil {
			return err
		}
		if *channel == "" {
			ps, err := a.Preferences.List(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(out, ps)
		}
		ch, err := parseChannel(*channel)
		if err != nil {
			return err
		}
		p, err := a.Preferences.Get(ctx, id, ch)
		if err != nil {
			return err
		}
		return printJSON(out, p)

	case "prefs-set":
		enabled := fs.Bool("enabled", false, "enable the channel")
		frequency := fs.String("frequency", "", "daily|weekly|monthly")
		tod := fs.String("time", "", "time of day HH:MM")
		interval := fs.Int("interval", 0, "email interval days (>= 1)")
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		id, ch, err := userChannel(*user, *channel)
		if err != nil {
			return err
		}
		p, err := a.Preferences.Get(ctx, id, ch)
		if err != nil {
			return err
		}
		// only flags given on the command line override the stored row
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "enabled":
				p.Enabled = *enabled
			case "frequency":
				p.Frequency = model.Frequency(*frequency)
			case "time":
				p.TimeOfDay = *tod
			case "interval":
				p.IntervalDays = *interval
			}
		})
		p, err = a.Preferences.Set(ctx, p)
		if err != nil {
			return err
		}
		return printJSON(out, p)

	case "contact-set":
		address := fs.String("address", "", "email, chat id, phone number or device token")
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		id, ch, err := userChannel(*user, *channel)
		if err != nil {
			return err
		}
		if strings.TrimSpace(*address) == "" {
			return fmt.Errorf("%w: need -address", errUsage)
		}
		if err := a.Contacts.SetAddress(ctx, id, ch, strings.TrimSpace(*address)); err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, "ok")
		return err

	case "advisory":
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		id, err := parseUser(*user)
		if err != nil {
			return err
		}
		adv, err := a.Advisory.Evaluate(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(out, struct {
			Tier        string
			Balance     int64
			Show        bool
			Dismissible bool
		}{adv.Tier.String(), adv.Balance, adv.Show, adv.Dismissible})

	case "dismiss":
		tier := fs.String("tier", "", "REMINDER|WARNING")
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		id, err := parseUser(*user)
		if err != nil {
			return err
		}
		t, err := parseTier(*tier)
		if err != nil {
			return err
		}
		if err := a.Advisory.Dismiss(ctx, id, t); err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, "ok")
		return err

	case "provision":
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		id, err := parseUser(*user)
		if err != nil {
			return err
		}
		b, err := a.Ledger.Provision(ctx, id)
		if err != nil {
			return err
		}
		if err := a.Preferences.EnsureDefaults(ctx, id); err != nil {
			return err
		}
		return printJSON(out, balanceView{
			UserID:      b.UserID.String(),
			Balance:     b.Balance,
			Tier:        a.Ledger.TierFor(b.Balance).String(),
			LastDebitAt: b.LastDebitAt,
		})
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

// ---- parsing ----

func parseUser(s string) (u.UUID, error) {
	if s == "" {
		return u.Nil, fmt.Errorf("%w: need -user", errUsage)
	}
	id, err := u.FromString(s)
	if err != nil {
		return u.Nil, fmt.Errorf("%w: bad -user: %v", errUsage, err)
	}
	return id, nil
}

func parseChannel(s string) (model.Channel, error) {
	ch := model.Channel(strings.ToLower(strings.TrimSpace(s)))
	if !ch.Valid() {
		return "", fmt.Errorf("%w: bad -channel %q", errUsage, s)
	}
	return ch, nil
}

func userChannel(user, channel string) (u.UUID, model.Channel, error) {
	id, err := parseUser(user)
	if err != nil {
		return u.Nil, "", err
	}
	ch, err := parseChannel(channel)
	if err != nil {
		return u.Nil, "", err
	}
	return id, ch, nil
}

func parseTier(s string) (model.Tier, error) {
	for t := model.TierOK; t <= model.TierCritical; t++ {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return model.TierOK, fmt.Errorf("%w: bad -tier %q", errUsage, s)
}

func parseAt(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad -at: %v", errUsage, err)
	}
	return t, nil
}

// ---- output ----

type balanceView struct {
	UserID      string
	Balance     int64
	Tier        string
	LastDebitAt *time.Time `json:",omitempty"`
}

func transitionView(r model.DebitResult) any {
	return struct {
		Previous     int64
		Balance      int64
		PreviousTier string
		Tier         string
		Escalated    bool
		Record       model.HistoryRecord
	}{r.Previous, r.Balance, r.PreviousTier.String(), r.Tier.String(), r.Escalated(), r.Record}
}

type failureView struct {
	UserID  string
	Channel model.Channel
	Error   string
}

func summaryView(s model.RunSummary) any {
	fails := make([]failureView, 0, len(s.Failed))
	for _, f := range s.Failed {
		fails = append(fails, failureView{UserID: f.UserID.String(), Channel: f.Channel, Error: f.Err.Error()})
	}
	return struct {
		Processed  int
		Sent       int
		Skipped    int
		Reconciled int64
		Failed     []failureView
	}{s.Processed, s.Sent, s.Skipped, s.Reconciled, fails}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
