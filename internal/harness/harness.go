package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/usersync/internal/auth"
	"github.com/roach88/usersync/internal/config"
	"github.com/roach88/usersync/internal/engine"
	"github.com/roach88/usersync/internal/ir"
	"github.com/roach88/usersync/internal/session"
	"github.com/roach88/usersync/internal/store"
	"github.com/roach88/usersync/internal/testutil"
	"github.com/roach88/usersync/internal/transport"
)

// Step actions.
const (
	ActionLogin                   = "login"
	ActionLogout                  = "logout"
	ActionAddAlias                = "add_alias"
	ActionRemoveAlias             = "remove_alias"
	ActionAddTag                  = "add_tag"
	ActionAddTags                 = "add_tags"
	ActionRemoveTag               = "remove_tag"
	ActionSetLanguage             = "set_language"
	ActionAddEmail                = "add_email"
	ActionRemoveEmail             = "remove_email"
	ActionAddSMS                  = "add_sms"
	ActionRemoveSMS               = "remove_sms"
	ActionTrackEvent              = "track_event"
	ActionSetLiveActivityToken    = "set_live_activity_token"
	ActionRemoveLiveActivityToken = "remove_live_activity_token"
	ActionSetPushToStartToken     = "set_push_to_start_token"
	ActionRemovePushToStartToken  = "remove_push_to_start_token"
	ActionLiveActivityReceived    = "live_activity_received"
	ActionSetPushSubscription     = "set_push_subscription"
	ActionUpdateJWT               = "update_jwt"
	ActionSetIdentityVerification = "set_identity_verification"
	ActionFlush                   = "flush"
	ActionAdvance                 = "advance"
	ActionReply                   = "reply"
)

// actionArgs lists the required arguments of every action.
var actionArgs = map[string][]string{
	ActionLogin:                   {"external_id"},
	ActionLogout:                  nil,
	ActionAddAlias:                {"label", "id"},
	ActionRemoveAlias:             {"label"},
	ActionAddTag:                  {"key", "value"},
	ActionAddTags:                 {"tags"},
	ActionRemoveTag:               {"key"},
	ActionSetLanguage:             {"language"},
	ActionAddEmail:                {"address"},
	ActionRemoveEmail:             {"address"},
	ActionAddSMS:                  {"number"},
	ActionRemoveSMS:               {"number"},
	ActionTrackEvent:              {"name"},
	ActionSetLiveActivityToken:    {"activity_id", "token"},
	ActionRemoveLiveActivityToken: {"activity_id"},
	ActionSetPushToStartToken:     {"activity_type", "token"},
	ActionRemovePushToStartToken:  {"activity_type"},
	ActionLiveActivityReceived:    {"activity_id", "notification_id"},
	ActionSetPushSubscription:     {"id"},
	ActionUpdateJWT:               {"external_id", "token"},
	ActionSetIdentityVerification: {"requirement"},
	ActionFlush:                   nil,
	ActionAdvance:                 {"duration"},
	ActionReply:                   nil,
}

// Harness runs one scenario against a fresh session with a fake clock,
// an in-memory store and a scripted backend.
type Harness struct {
	session *session.Session
	client  *testutil.ScriptedClient
	clock   *testutil.FakeClock
	seen    int
}

// Run executes a scenario and returns the result. An error means the
// scenario could not be executed at all; failed assertions and failed
// steps are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with session logs sent to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	cfg, err := scenarioConfig(scenario.Config)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		client: testutil.NewScriptedClient(),
		clock:  testutil.NewFakeClock(),
	}
	for _, r := range scenario.Replies {
		if err := h.script(r); err != nil {
			return nil, err
		}
	}

	s, err := session.New(*cfg, store.NewMemory(), h.client,
		session.WithClock(h.clock),
		session.WithLogger(logger),
		session.WithIDGenerator(engine.NewSequentialGenerator("req")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer s.Close()
	h.session = s

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, step.Action, err))
		}
		s.Wait()
		result.AddStep(i+1, describe(step), h.drain())
	}

	result.State = h.state()
	for _, a := range scenario.Assertions {
		if err := evaluate(a, h.client.Requests(), result); err != nil {
			result.AddError(err.Error())
		}
	}
	return result, nil
}

// scenarioConfig validates the overrides through the config loader.
func scenarioConfig(overrides map[string]any) (*config.Config, error) {
	doc := map[string]any{"app_id": "app"}
	for k, v := range overrides {
		doc[k] = v
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scenario config: %w", err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid scenario config: %w", err)
	}
	return cfg, nil
}

func (h *Harness) script(r ReplySpec) error {
	var body ir.Object
	if r.Body != nil {
		v, err := ir.FromAny(r.Body)
		if err != nil {
			return fmt.Errorf("reply body: %w", err)
		}
		body = v.(ir.Object)
	}
	h.client.On(
		testutil.Match{Kind: r.Kind, Method: r.Method, PathContains: r.PathContains},
		testutil.Reply{Status: r.Status, Body: body, Times: r.Times},
	)
	return nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	s := h.session
	arg := func(name string) string { return argString(step.Args, name) }

	switch step.Action {
	case ActionLogin:
		s.Login(arg("external_id"), arg("jwt"))
	case ActionLogout:
		s.Logout()
	case ActionAddAlias:
		return s.AddAlias(arg("label"), arg("id"))
	case ActionRemoveAlias:
		return s.RemoveAlias(arg("label"))
	case ActionAddTag:
		s.AddTag(arg("key"), arg("value"))
	case ActionAddTags:
		tags, err := stringMap(step.Args["tags"])
		if err != nil {
			return err
		}
		s.AddTags(tags)
	case ActionRemoveTag:
		s.RemoveTag(arg("key"))
	case ActionSetLanguage:
		s.SetLanguage(arg("language"))
	case ActionAddEmail:
		return s.AddEmail(arg("address"))
	case ActionRemoveEmail:
		s.RemoveEmail(arg("address"))
	case ActionAddSMS:
		return s.AddSMS(arg("number"))
	case ActionRemoveSMS:
		s.RemoveSMS(arg("number"))
	case ActionTrackEvent:
		props, _ := step.Args["properties"].(map[string]any)
		return s.TrackEvent(arg("name"), props)
	case ActionSetLiveActivityToken:
		s.SetLiveActivityToken(arg("activity_id"), arg("token"))
	case ActionRemoveLiveActivityToken:
		s.RemoveLiveActivityToken(arg("activity_id"))
	case ActionSetPushToStartToken:
		s.SetPushToStartToken(arg("activity_type"), arg("token"))
	case ActionRemovePushToStartToken:
		s.RemovePushToStartToken(arg("activity_type"))
	case ActionLiveActivityReceived:
		s.LiveActivityReceived(arg("activity_id"), arg("notification_id"))
	case ActionSetPushSubscription:
		s.SetPushSubscriptionID(arg("id"))
	case ActionUpdateJWT:
		s.UpdateJWT(arg("external_id"), arg("token"))
	case ActionSetIdentityVerification:
		req, ok := auth.ParseRequirement(arg("requirement"))
		if !ok {
			return fmt.Errorf("unknown requirement %q", arg("requirement"))
		}
		s.SetIdentityVerification(req)
	case ActionFlush:
		return s.Flush(ctx)
	case ActionAdvance:
		d, err := time.ParseDuration(arg("duration"))
		if err != nil {
			return err
		}
		h.clock.Advance(d)
	case ActionReply:
		var r ReplySpec
		if err := remarshal(step.Args, &r); err != nil {
			return err
		}
		return h.script(r)
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

// drain returns the requests recorded since the previous call, rendered
// and sorted. Executors send in parallel, so the order within one step
// is not significant.
func (h *Harness) drain() []string {
	reqs := h.client.Requests()
	fresh := reqs[h.seen:]
	h.seen = len(reqs)

	lines := make([]string, len(fresh))
	for i, r := range fresh {
		lines[i] = renderRequest(r)
	}
	sort.Strings(lines)
	return lines
}

func renderRequest(r *transport.Request) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte(' ')
	b.WriteString(r.Path)
	if r.Body != nil {
		body, err := ir.MarshalCanonical(r.Body)
		if err != nil {
			body = []byte(err.Error())
		}
		b.WriteByte(' ')
		b.Write(body)
	}
	if r.JWT != "" {
		b.WriteString(" jwt=")
		b.WriteString(r.JWT)
	}
	return b.String()
}

func (h *Harness) state() map[string]any {
	s := h.session
	identity := s.Identity()
	out := map[string]any{
		FieldOnesignalID: identity.OnesignalID(),
		FieldExternalID:  identity.ExternalID(),
		FieldPending:     s.Pending(),
		FieldLanguage:    "",
		FieldTags:        map[string]any{},
	}
	if props := s.Properties(); props != nil {
		out[FieldLanguage] = props.Language()
		tags := map[string]any{}
		for k, v := range props.Tags() {
			tags[k] = v
		}
		out[FieldTags] = tags
	}
	out[FieldJWTState] = s.Gate().State(identity.ExternalID()).String()
	return out
}

// describe renders a step for the trace, with arguments in key order.
func describe(step Step) string {
	keys := make([]string, 0, len(step.Args))
	for k := range step.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{step.Action}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, step.Args[k]))
	}
	return strings.Join(parts, " ")
}

func stringMap(v any) (map[string]string, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a map, got %T", v)
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = fmt.Sprint(val)
	}
	return out, nil
}

func remarshal(in any, out any) error {
	data, err := yaml.Marshal(in)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
