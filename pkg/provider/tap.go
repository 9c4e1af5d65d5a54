package provider

import (
	"encoding/json"
	"strings"
)

// tapJS is installed into the page before the message is submitted. It tees
// the upstream's own streaming responses into a window buffer that the drain
// eval consumes destructively, line by line.
const tapJS = `() => {
	if (window.__webtapTap) { return true; }
	window.__webtapTap = true;
	window.__webtapBuf = [];
	const paths = __WEBTAP_PATHS__;
	const push = (line) => { try { window.__webtapBuf.push(String(line)); } catch (e) {} };
	const matches = (url) => paths.some((p) => url.indexOf(p) >= 0);
	const origFetch = window.fetch;
	window.fetch = async function (input, init) {
		const res = await origFetch.apply(this, arguments);
		try {
			const url = typeof input === 'string' ? input : ((input && input.url) || '');
			if (matches(url) && res.body) {
				const pair = res.body.tee();
				const reader = pair[0].getReader();
				const decoder = new TextDecoder();
				let carry = '';
				(async () => {
					for (;;) {
						const r = await reader.read();
						if (r.done) { if (carry.trim()) push(carry); break; }
						carry += decoder.decode(r.value, { stream: true });
						const lines = carry.split('\n');
						carry = lines.pop();
						for (const l of lines) { if (l.trim()) push(l); }
					}
				})();
				return new Response(pair[1], res);
			}
		} catch (e) {}
		return res;
	};
	const OrigES = window.EventSource;
	if (OrigES) {
		window.EventSource = function (url, conf) {
			const es = new OrigES(url, conf);
			try {
				if (matches(String(url))) {
					es.addEventListener('message', (ev) => push(ev.data));
				}
			} catch (e) {}
			return es;
		};
		window.EventSource.prototype = OrigES.prototype;
	}
	return true;
}`

// drainJS empties the tap buffer. Destructive by construction: a drained
// frame is never redelivered.
const drainJS = `() => {
	const b = window.__webtapBuf || [];
	window.__webtapBuf = [];
	return b;
}`

// tapScript renders tapJS for a profile's stream paths.
func tapScript(streamPaths []string) string {
	b, _ := json.Marshal(streamPaths)
	return strings.Replace(tapJS, "__WEBTAP_PATHS__", string(b), 1)
}
