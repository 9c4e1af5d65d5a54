package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-webtap/webtap/pkg/stream"
)

func TestDecodeFrame(t *testing.T) {
	d := kimiProfile().NewDecoder()

	frag, ok := d.DecodeFrame(`data: {"idx":2,"text":"hello","event":"cmpl"}`)
	require.True(t, ok)
	require.Equal(t, 2, frag.Index)
	require.Equal(t, "hello", frag.Text)

	// Missing index decodes as slot 0.
	frag, ok = d.DecodeFrame(`data: {"text":"hi"}`)
	require.True(t, ok)
	require.Equal(t, 0, frag.Index)
	require.Equal(t, "hi", frag.Text)

	// Done literal survives decoding with no text.
	frag, ok = d.DecodeFrame(`data: [DONE]`)
	require.True(t, ok)
	require.Equal(t, "[DONE]", frag.Raw)
	require.Empty(t, frag.Text)

	// Non-data SSE fields and blanks carry nothing.
	_, ok = d.DecodeFrame("event: ping")
	require.False(t, ok)
	_, ok = d.DecodeFrame("   ")
	require.False(t, ok)
	_, ok = d.DecodeFrame("data:")
	require.False(t, ok)
}

func TestDecodeFrameNestedPaths(t *testing.T) {
	d := glmProfile().NewDecoder()

	frag, ok := d.DecodeFrame(`data: {"parts":[{"id":3,"content":[{"text":"bonjour"}]}]}`)
	require.True(t, ok)
	require.Equal(t, 3, frag.Index)
	require.Equal(t, "bonjour", frag.Text)
}

func TestDecodeFrameStringIdsGetDistinctSlots(t *testing.T) {
	d := glmProfile().NewDecoder()

	think, ok := d.DecodeFrame(`data: {"parts":[{"id":"part-think","content":[{"text":"because"}],"meta_data":{"message_type":"thinking"}}]}`)
	require.True(t, ok)
	answer, ok := d.DecodeFrame(`data: {"parts":[{"id":"part-answer","content":[{"text":"42"}],"meta_data":{"message_type":"text"}}]}`)
	require.True(t, ok)
	// Uuid-style part ids must not collapse into one slot, or the engine's
	// first-seen channel cache would pin answer text to the thinking channel.
	require.NotEqual(t, think.Index, answer.Index)

	// A redelivered id keeps its slot for the whole exchange.
	again, ok := d.DecodeFrame(`data: {"parts":[{"id":"part-think","content":[{"text":"because therefore"}]}]}`)
	require.True(t, ok)
	require.Equal(t, think.Index, again.Index)

	// A fresh decoder starts a fresh mapping.
	other, ok := glmProfile().NewDecoder().DecodeFrame(`data: {"parts":[{"id":"part-answer","content":[{"text":"x"}]}]}`)
	require.True(t, ok)
	require.Equal(t, 0, other.Index)
}

func TestFragmentDone(t *testing.T) {
	p := kimiProfile()

	require.True(t, p.FragmentDone(Fragment{Raw: "[DONE]"}))
	require.True(t, p.FragmentDone(Fragment{Raw: `{"event":"all_done"}`}))
	require.False(t, p.FragmentDone(Fragment{Raw: `{"event":"cmpl","text":"x"}`}))
	require.False(t, p.FragmentDone(Fragment{Raw: `{"text":"x"}`}))

	g := glmProfile()
	require.True(t, g.FragmentDone(Fragment{Raw: `{"status":"finish"}`}))
	require.False(t, g.FragmentDone(Fragment{Raw: `{"status":"init"}`}))
}

func TestClassifyFragment(t *testing.T) {
	k := kimiProfile()
	require.Equal(t, stream.ChannelReasoning,
		k.ClassifyFragment(Fragment{Raw: `{"event":"k1","text":"thinking..."}`}))
	require.Equal(t, stream.ChannelResponse,
		k.ClassifyFragment(Fragment{Raw: `{"event":"cmpl","text":"answer"}`}))

	g := glmProfile()
	require.Equal(t, stream.ChannelReasoning,
		g.ClassifyFragment(Fragment{Raw: `{"parts":[{"meta_data":{"message_type":"thinking"}}]}`}))
	require.Equal(t, stream.ChannelResponse,
		g.ClassifyFragment(Fragment{Raw: `{"parts":[{"meta_data":{"message_type":"text"}}]}`}))
	// No metadata at all defaults to the response channel.
	require.Equal(t, stream.ChannelResponse,
		g.ClassifyFragment(Fragment{Raw: `{"parts":[{}]}`}))
}

func TestRegistry(t *testing.T) {
	r := Builtin()
	require.Equal(t, []string{"glm", "kimi"}, r.Names())

	p, err := r.Get("glm")
	require.NoError(t, err)
	require.Equal(t, "glm", p.Name)

	_, err = r.Get("nope")
	require.Error(t, err)

	// Double registration is rejected.
	require.Error(t, r.Register(glmProfile()))

	// Incomplete profiles never make it in.
	require.Error(t, NewRegistry().Register(&Profile{Name: "broken"}))
}

func TestRegistryOverride(t *testing.T) {
	r := Builtin()
	require.NoError(t, r.Override("glm", Override{
		NewChatURL: "https://chatglm.cn/main/chat",
		Selectors: map[string]string{
			"input":      "textarea.prompt",
			"qr-scanned": "div.scan-ok",
		},
	}))

	p, err := r.Get("glm")
	require.NoError(t, err)
	require.Equal(t, "https://chatglm.cn/main/chat", p.NewChatURL)
	require.Equal(t, "textarea.prompt", p.Selectors.Input)
	require.Equal(t, "div.scan-ok", p.Selectors.QRScanned)
	// Untouched fields keep the builtin values.
	require.Equal(t, glmProfile().Selectors.Send, p.Selectors.Send)

	require.Error(t, r.Override("nope", Override{}))
	require.Error(t, r.Override("glm", Override{Selectors: map[string]string{"bogus": "x"}}))

	// An override cannot blank a required selector; the registered profile
	// stays intact when the patch is rejected.
	require.Error(t, r.Override("glm", Override{Selectors: map[string]string{"input": ""}}))
	p, err = r.Get("glm")
	require.NoError(t, err)
	require.Equal(t, "textarea.prompt", p.Selectors.Input)
}

func TestTapScriptEmbedsStreamPaths(t *testing.T) {
	js := tapScript([]string{"/api/chat", "/completion/stream"})
	require.Contains(t, js, `["/api/chat","/completion/stream"]`)
	require.False(t, strings.Contains(js, "__WEBTAP_PATHS__"))
}
