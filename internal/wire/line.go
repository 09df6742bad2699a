package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/comalice/statecore"
)

// ErrBlankLine is returned for empty lines and # comments.
var ErrBlankLine = errors.New("blank line")

// ParseLine parses one line of the device protocol:
//
//	ARM <period>        START          HB
//	HALT [reason...]    RESET
//	SET <name> <value>  ADJ <name> <delta>  CLR <name>
//
// Verbs are case-insensitive. Lines carry no timestamps; time-bearing
// commands are stamped with now, the reading of the shell clock on receipt.
func ParseLine(line string, now time.Time) (statecore.Command, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, ErrBlankLine
	}
	args := strings.Fields(line)
	verb := args[0]
	args = args[1:]
	rest := strings.TrimSpace(line[len(verb):])

	switch strings.ToUpper(verb) {
	case "ARM":
		if err := arity(verb, args, 1); err != nil {
			return nil, err
		}
		period, err := time.ParseDuration(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: ARM period: %v", ErrBadPayload, err)
		}
		return command(statecore.NewArm(now, period))
	case "START":
		if err := arity(verb, args, 0); err != nil {
			return nil, err
		}
		return statecore.Start{}, nil
	case "HB":
		if err := arity(verb, args, 0); err != nil {
			return nil, err
		}
		return statecore.NewHeartbeat(now), nil
	case "HALT":
		return command(statecore.NewHalt(rest))
	case "RESET":
		if err := arity(verb, args, 0); err != nil {
			return nil, err
		}
		return statecore.Reset{}, nil
	case "SET", "ADJ":
		if err := arity(verb, args, 2); err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s value: %v", ErrBadPayload, verb, err)
		}
		if strings.EqualFold(verb, "SET") {
			return command(statecore.NewSetRegister(args[0], n))
		}
		return command(statecore.NewAdjustRegister(args[0], n))
	case "CLR":
		if err := arity(verb, args, 1); err != nil {
			return nil, err
		}
		return command(statecore.NewClearRegister(args[0]))
	default:
		return nil, fmt.Errorf("%w: verb %q", ErrUnknownKind, verb)
	}
}

func arity(verb string, args []string, want int) error {
	if len(args) != want {
		return fmt.Errorf("%w: %s takes %d argument(s), got %d", ErrBadPayload, strings.ToUpper(verb), want, len(args))
	}
	return nil
}

// FormatEvent renders ev as a protocol line without the trailing newline:
//
//	EVT register_changed name=pump previous=0 current=42 created=true
func FormatEvent(ev statecore.Event) string {
	if ev == nil {
		return "EVT <nil>"
	}
	f := lineFormatter{}
	f.b.WriteString("EVT ")
	f.b.WriteString(string(ev.Kind()))
	ev.Accept(&f)
	return f.b.String()
}

type lineFormatter struct {
	b strings.Builder
}

func (f *lineFormatter) field(key, value string) {
	f.b.WriteByte(' ')
	f.b.WriteString(key)
	f.b.WriteByte('=')
	if value == "" || strings.ContainsAny(value, " \t\"=") {
		value = strconv.Quote(value)
	}
	f.b.WriteString(value)
}

func (f *lineFormatter) timeField(key string, t time.Time) {
	f.field(key, t.UTC().Format(time.RFC3339Nano))
}

func (f *lineFormatter) intField(key string, n int64) {
	f.field(key, strconv.FormatInt(n, 10))
}

func (f *lineFormatter) VisitModeChanged(ev statecore.ModeChanged) {
	f.field("from", ev.From.String())
	f.field("to", ev.To.String())
	f.field("cause", ev.Cause)
}

func (f *lineFormatter) VisitClockAdvanced(ev statecore.ClockAdvanced) {
	f.timeField("to", ev.To)
}

func (f *lineFormatter) VisitWatchdogArmed(ev statecore.WatchdogArmed) {
	f.field("period", ev.Period.String())
	f.timeField("deadline", ev.Deadline)
}

func (f *lineFormatter) VisitWatchdogFed(ev statecore.WatchdogFed) {
	f.timeField("deadline", ev.Deadline)
}

func (f *lineFormatter) VisitWatchdogExpired(ev statecore.WatchdogExpired) {
	f.timeField("deadline", ev.Deadline)
	f.timeField("at", ev.At)
}

func (f *lineFormatter) VisitRegisterChanged(ev statecore.RegisterChanged) {
	f.field("name", ev.Name)
	f.intField("previous", ev.Previous)
	f.intField("current", ev.Current)
	if ev.Created {
		f.field("created", "true")
	}
}

func (f *lineFormatter) VisitRegisterRemoved(ev statecore.RegisterRemoved) {
	f.field("name", ev.Name)
	f.intField("previous", ev.Previous)
}

func (f *lineFormatter) VisitRegistersCleared(ev statecore.RegistersCleared) {
	f.intField("count", int64(ev.Count))
}

func (f *lineFormatter) VisitCommandRejected(ev statecore.CommandRejected) {
	f.field("command", string(ev.Command))
	f.field("reason", string(ev.Reason))
	f.field("detail", ev.Detail)
}
