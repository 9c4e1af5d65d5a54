// Package provider adapts concrete chat surfaces to the generic reconciliation
// engine. A profile contributes only selector tables, the stream tap, and the
// frame decoding rules; everything else is shared.
package provider

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/go-webtap/webtap/pkg/reconcile"
	"github.com/go-webtap/webtap/pkg/stream"
)

// Fragment aliases the engine's fragment type; profiles produce them and the
// engine consumes them.
type Fragment = reconcile.Fragment

// Selectors are the CSS hooks into a provider's page.
type Selectors struct {
	// Chat surface.
	Input  string
	Send   string
	Answer string
	// Busy is visible while the reply is being produced; Ready reappears
	// once the UI considers the turn finished.
	Busy  string
	Ready string
	// Login surface.
	AccountInput  string
	PasswordInput string
	LoginSubmit   string
	AccountName   string
	QRImage       string
	QRScanned     string
}

// ReplayFormat describes how the provider's own streaming protocol decodes
// into fragments.
type ReplayFormat struct {
	// DataPrefix is stripped from raw frames when present ("data:").
	DataPrefix string
	// IndexPath locates the fragment's source index in the frame JSON.
	// Missing index decodes as slot 0.
	IndexPath string
	// TextPath locates the fragment text.
	TextPath string
	// DoneLiterals are whole-frame end-of-stream markers ("[DONE]").
	DoneLiterals []string
	// DoneFlagPath is a JSON path whose truthy value marks completion.
	DoneFlagPath string
	// ReasoningFlagPath and ReasoningFlagValues classify a fragment as
	// reasoning via protocol metadata.
	ReasoningFlagPath   string
	ReasoningFlagValues []string
	// ReasoningTextMarkers classify by content when the protocol carries
	// no phase metadata.
	ReasoningTextMarkers []string
}

// Profile is everything webtap needs to know about one chat surface.
type Profile struct {
	Name       string
	BaseURL    string
	NewChatURL string
	LoginURL   string
	// StreamPaths are URL substrings of the upstream's streaming endpoint;
	// the page tap captures responses whose URL matches one of them.
	StreamPaths []string
	Selectors   Selectors
	Replay      ReplayFormat
}

func (p *Profile) Validate() error {
	if p.Name == "" {
		return errors.New("provider profile: name is empty")
	}
	if p.NewChatURL == "" {
		return errors.New("provider profile: new chat url is empty")
	}
	if len(p.StreamPaths) == 0 {
		return errors.New("provider profile: no stream paths")
	}
	if p.Selectors.Input == "" || p.Selectors.Send == "" || p.Selectors.Answer == "" {
		return errors.New("provider profile: chat selectors incomplete")
	}
	return nil
}

// Decoder turns raw protocol frames into fragments for one exchange. It owns
// the mapping of non-numeric upstream part ids onto fragment slots, so two
// distinct string ids never collapse into the same slot.
type Decoder struct {
	profile *Profile
	slots   map[string]int
}

// NewDecoder builds a fresh decoder. One per exchange; the slot mapping must
// not leak across exchanges.
func (p *Profile) NewDecoder() *Decoder {
	return &Decoder{profile: p, slots: map[string]int{}}
}

// DecodeFrame turns one raw protocol frame into a fragment. ok is false for
// frames that carry nothing (comments, event names, empty keep-alives).
func (d *Decoder) DecodeFrame(raw string) (frag Fragment, ok bool) {
	p := d.profile
	line := strings.TrimSpace(raw)
	if line == "" {
		return Fragment{}, false
	}
	if p.Replay.DataPrefix != "" && strings.HasPrefix(line, p.Replay.DataPrefix) {
		line = strings.TrimSpace(strings.TrimPrefix(line, p.Replay.DataPrefix))
	} else if strings.Contains(line, ":") && !strings.HasPrefix(line, "{") && !isDoneLiteral(p.Replay.DoneLiterals, line) {
		// Non-data SSE field such as "event: ping".
		return Fragment{}, false
	}
	if line == "" {
		return Fragment{}, false
	}
	frag.Raw = line
	if isDoneLiteral(p.Replay.DoneLiterals, line) {
		return frag, true
	}
	parsed := gjson.Parse(line)
	if p.Replay.IndexPath != "" {
		frag.Index = d.slot(parsed.Get(p.Replay.IndexPath))
	}
	if p.Replay.TextPath != "" {
		frag.Text = parsed.Get(p.Replay.TextPath).String()
	}
	return frag, true
}

// slot resolves a frame's source id to a fragment slot. Numeric ids map to
// themselves; string ids (uuid-style part ids) each get their own ordinal in
// arrival order. A missing or empty id lands in slot 0.
func (d *Decoder) slot(v gjson.Result) int {
	if !v.Exists() {
		return 0
	}
	if v.Type == gjson.Number {
		return int(v.Int())
	}
	key := v.String()
	if key == "" {
		return 0
	}
	if n, ok := d.slots[key]; ok {
		return n
	}
	n := len(d.slots)
	d.slots[key] = n
	return n
}

// FragmentDone is the completion-marker predicate for this profile.
func (p *Profile) FragmentDone(frag Fragment) bool {
	if isDoneLiteral(p.Replay.DoneLiterals, frag.Raw) {
		return true
	}
	if p.Replay.DoneFlagPath == "" {
		return false
	}
	v := gjson.Get(frag.Raw, p.Replay.DoneFlagPath)
	if !v.Exists() {
		return false
	}
	switch v.Type {
	case gjson.True:
		return true
	case gjson.String:
		switch strings.ToLower(v.String()) {
		case "finish", "finished", "done", "all_done", "stop":
			return true
		}
		return false
	default:
		return false
	}
}

// ClassifyFragment fixes a fragment's channel from protocol metadata first,
// content heuristics second.
func (p *Profile) ClassifyFragment(frag Fragment) stream.Channel {
	if p.Replay.ReasoningFlagPath != "" {
		v := gjson.Get(frag.Raw, p.Replay.ReasoningFlagPath)
		if v.Exists() {
			val := strings.ToLower(v.String())
			for _, want := range p.Replay.ReasoningFlagValues {
				if val == want {
					return stream.ChannelReasoning
				}
			}
			return stream.ChannelResponse
		}
	}
	for _, marker := range p.Replay.ReasoningTextMarkers {
		if strings.Contains(frag.Text, marker) {
			return stream.ChannelReasoning
		}
	}
	return stream.ChannelResponse
}

func isDoneLiteral(literals []string, line string) bool {
	for _, l := range literals {
		if line == l {
			return true
		}
	}
	return false
}

// Registry holds the known provider profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

func NewRegistry() *Registry {
	return &Registry{profiles: map[string]*Profile{}}
}

func (r *Registry) Register(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.profiles[p.Name]; exists {
		return errors.Errorf("provider %q already registered", p.Name)
	}
	r.profiles[p.Name] = p
	return nil
}

func (r *Registry) Get(name string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return nil, errors.Errorf("unknown provider %q", name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
