package provider

// Builtin returns a registry preloaded with the bundled provider profiles.
// Selector tables drift with upstream UI releases; they are data, not code,
// and can be overridden from the config file.
func Builtin() *Registry {
	r := NewRegistry()
	for _, p := range []*Profile{glmProfile(), kimiProfile()} {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

func glmProfile() *Profile {
	return &Profile{
		Name:        "glm",
		BaseURL:     "https://chatglm.cn",
		NewChatURL:  "https://chatglm.cn/main/alltoolsdetail",
		LoginURL:    "https://chatglm.cn/main/alltoolsdetail",
		StreamPaths: []string{"/chatglm/backend-api/assistant/stream"},
		Selectors: Selectors{
			Input:       "div.input-box-inner textarea",
			Send:        "div.enter img.enter_icon",
			Answer:      "div.answer-content-wrap:last-of-type div.markdown-body",
			Busy:        "div.answer-content-wrap .loading-dot",
			Ready:       "div.input-box-inner",
			AccountName: "div.user-info span.name",
			QRImage:     "div.qrcode-box img",
			QRScanned:   "div.scan-success",
		},
		Replay: ReplayFormat{
			DataPrefix:          "data:",
			IndexPath:           "parts.0.id",
			TextPath:            "parts.0.content.0.text",
			DoneFlagPath:        "status",
			DoneLiterals:        []string{"[DONE]"},
			ReasoningFlagPath:   "parts.0.meta_data.message_type",
			ReasoningFlagValues: []string{"thinking"},
		},
	}
}

func kimiProfile() *Profile {
	return &Profile{
		Name:        "kimi",
		BaseURL:     "https://kimi.moonshot.cn",
		NewChatURL:  "https://kimi.moonshot.cn/chat",
		LoginURL:    "https://kimi.moonshot.cn",
		StreamPaths: []string{"/api/chat", "/completion/stream"},
		Selectors: Selectors{
			Input:       "div.chat-input-editor [contenteditable]",
			Send:        "button.send-button",
			Answer:      "div.chat-content-item-assistant:last-of-type div.markdown",
			Busy:        "button.stop-message-btn",
			Ready:       "button.send-button",
			AccountName: "div.user-name",
			QRImage:     "div.qrcode img",
			QRScanned:   "div.qrcode-status.scanned",
		},
		Replay: ReplayFormat{
			DataPrefix:           "data:",
			IndexPath:            "idx",
			TextPath:             "text",
			DoneFlagPath:         "event",
			DoneLiterals:         []string{"[DONE]"},
			ReasoningFlagPath:    "event",
			ReasoningFlagValues:  []string{"k1"},
			ReasoningTextMarkers: nil,
		},
	}
}
