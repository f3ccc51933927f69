// Package agentsrc holds the literal source of the in-page agent and
// its hosting document: the payload the Browser Fleet Manager pastes
// into the upstream web editor during identity activation (§4.C.1).
// There is no teacher source to port here — the corpus is Go-only and
// the wire contract in §4.F/§6 is the sole authority — so this package
// is grounded directly on the frame package's Go-side mirror of the
// same protocol: every event name and field below matches
// internal/frame's Type/Frame constants byte for byte, since the two
// ends are serializing the same JSON shape independently.
package agentsrc

// HostPage is the minimal HTML document pasted into the Remix
// flavour's editor ahead of the agent script itself (§4.C.1 step:
// "opens two files in order: an HTML file ... and a TypeScript
// file").
const HostPage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>fleetbridge agent host</title></head>
<body>
  <script type="module" src="./main.ts"></script>
</body>
</html>
`

// Agent is the TypeScript source pasted into the editor's main
// script file for both editor flavours. It is never executed by this
// Go process; it runs inside the headless browser's page context.
const Agent = `
// fleetbridge in-page agent. Pasted into the upstream editor by the
// Browser Fleet Manager (§4.C.1) and run as part of the user's own
// app; it is the sole bridge between the server and the upstream
// origin's fetch surface (§4.F / §6, the system's "narrow waist").

const WS_PORT = 9998;
const IDLE_TIMEOUT_MS = 300_000;

const STRIPPED_REQUEST_HEADERS = [
  "host", "connection", "content-length", "origin", "referer",
  "user-agent", "sec-fetch-mode", "sec-fetch-site", "sec-fetch-dest",
];

const IMAGE_FAMILY = /-image|imagen/i;
const EMBEDDING_FAMILY = /embed/i;
const TTS_FAMILY = /tts/i;
const COMPUTER_USE_FAMILY = /computer-use/i;
const ROBOTICS_FAMILY = /robotics/i;
const GEMINI_2_FAMILY = /^gemini-2/i;

let socket = null;
let authIndex = null;
const inflight = new Map(); // request_id -> AbortController

function waitForAuthIndex(timeoutMs) {
  return new Promise((resolve, reject) => {
    const onMessage = (ev) => {
      if (ev && ev.data && typeof ev.data.authIndex === "number") {
        window.removeEventListener("message", onMessage);
        resolve(ev.data.authIndex);
      }
    };
    window.addEventListener("message", onMessage);
    setTimeout(() => {
      window.removeEventListener("message", onMessage);
      reject(new Error("timed out waiting for authIndex"));
    }, timeoutMs);
  });
}

async function connect() {
  authIndex = await waitForAuthIndex(10_000);
  socket = new WebSocket("ws://127.0.0.1:" + WS_PORT + "?authIndex=" + authIndex);
  socket.addEventListener("message", (ev) => {
    let frame;
    try {
      frame = JSON.parse(ev.data);
    } catch {
      return;
    }
    handleFrame(frame);
  });
  socket.addEventListener("close", () => {
    // The Manager observes socket loss through the Registry; this
    // agent does not self-reconnect, matching the server-owned
    // recovery/rotation model in §4.E.1.
  });
}

function send(frame) {
  if (socket && socket.readyState === WebSocket.OPEN) {
    socket.send(JSON.stringify(frame));
  }
}

function handleFrame(frame) {
  switch (frame.type) {
    case "proxy_request":
      handleProxyRequest(frame);
      break;
    case "cancel_request": {
      const controller = inflight.get(frame.request_id);
      if (controller) controller.abort();
      break;
    }
    case "set_log_level":
      // Reserved for future verbosity control; no-op today.
      break;
  }
}

// rewriteTarget implements the §6 URL rewrite contract: a
// __proxy_host__ query param overrides the default upstream host, and
// an absolute path is reduced to pathname + search before resolution.
function rewriteTarget(path, defaultHost) {
  let pathname = path;
  let search = "";
  try {
    const asURL = new URL(path);
    pathname = asURL.pathname;
    search = asURL.search;
  } catch {
    const qIdx = path.indexOf("?");
    if (qIdx >= 0) {
      pathname = path.slice(0, qIdx);
      search = path.slice(qIdx);
    }
  }

  const params = new URLSearchParams(search);
  let host = defaultHost;
  if (params.has("__proxy_host__")) {
    host = params.get("__proxy_host__");
    params.delete("__proxy_host__");
  }
  const qs = params.toString();
  return "https://" + host + pathname + (qs ? "?" + qs : "");
}

// rewriteRelayedHeader appends __proxy_host__=<originalHost> to a
// location/x-goog-upload-url response header so the client's next
// call re-targets the same upstream host through this agent.
function rewriteRelayedHeader(value, originalHost) {
  try {
    const u = new URL(value);
    u.searchParams.set("__proxy_host__", originalHost);
    return u.toString();
  } catch {
    return value;
  }
}

function sanitizeRequestHeaders(headers) {
  const out = {};
  for (const [k, v] of Object.entries(headers || {})) {
    if (!STRIPPED_REQUEST_HEADERS.includes(k.toLowerCase())) out[k] = v;
  }
  return out;
}

// applyModelFamilyRewrites strips body fields incompatible with the
// target model family per the §6 table, and upper-cases
// thinkingLevel/responseModalities wherever present.
function applyModelFamilyRewrites(bodyObj, modelPath) {
  if (!bodyObj || typeof bodyObj !== "object") return bodyObj;

  const stripTools = () => { delete bodyObj.tools; };
  const stripThinking = () => { delete bodyObj.generationConfig?.thinkingConfig; };
  const stripSystemInstruction = () => { delete bodyObj.systemInstruction; };
  const stripMime = () => {
    delete bodyObj.generationConfig?.responseMimeType;
    delete bodyObj.generationConfig?.response_mime_type;
  };
  const stripModalities = () => { delete bodyObj.generationConfig?.responseModalities; };

  if (IMAGE_FAMILY.test(modelPath)) {
    stripTools(); stripThinking(); stripSystemInstruction(); stripMime();
  } else if (EMBEDDING_FAMILY.test(modelPath)) {
    stripTools(); stripThinking(); stripSystemInstruction(); stripMime(); stripModalities();
  } else if (TTS_FAMILY.test(modelPath)) {
    stripTools(); stripThinking(); stripSystemInstruction(); stripMime();
    bodyObj.generationConfig = bodyObj.generationConfig || {};
    bodyObj.generationConfig.responseModalities = ["AUDIO"];
  } else if (COMPUTER_USE_FAMILY.test(modelPath)) {
    stripTools(); stripModalities();
  } else if (ROBOTICS_FAMILY.test(modelPath)) {
    if (Array.isArray(bodyObj.tools)) {
      bodyObj.tools = bodyObj.tools.filter(
        (t) => !("googleSearch" in t) && !("urlContext" in t)
      );
    }
    stripModalities();
  } else if (GEMINI_2_FAMILY.test(modelPath) && bodyObj.generationConfig?.responseMimeType === "application/json") {
    stripTools();
  }

  if (bodyObj.generationConfig?.thinkingConfig?.thinkingLevel) {
    bodyObj.generationConfig.thinkingConfig.thinkingLevel =
      bodyObj.generationConfig.thinkingConfig.thinkingLevel.toUpperCase();
  }
  if (Array.isArray(bodyObj.generationConfig?.responseModalities)) {
    bodyObj.generationConfig.responseModalities =
      bodyObj.generationConfig.responseModalities.map((m) => String(m).toUpperCase());
  }
  return bodyObj;
}

async function handleProxyRequest(frame) {
  const controller = new AbortController();
  inflight.set(frame.request_id, controller);

  try {
    const defaultHost = "generativelanguage.googleapis.com";
    const target = rewriteTarget(frame.path, defaultHost);

    let bodyInit;
    if (frame.body_b64) {
      bodyInit = Uint8Array.from(atob(frame.body_b64), (c) => c.charCodeAt(0));
    } else if (frame.body) {
      let parsed;
      try {
        parsed = JSON.parse(frame.body);
      } catch {
        parsed = null;
      }
      if (parsed && frame.is_generative) {
        applyModelFamilyRewrites(parsed, frame.path);
        bodyInit = JSON.stringify(parsed);
      } else {
        bodyInit = frame.body;
      }
    }

    const resp = await fetch(target, {
      method: frame.method,
      headers: sanitizeRequestHeaders(frame.headers),
      body: frame.method === "GET" || frame.method === "HEAD" ? undefined : bodyInit,
      signal: controller.signal,
    });

    const outHeaders = {};
    resp.headers.forEach((value, key) => {
      if (key === "location" || key === "x-goog-upload-url") {
        outHeaders[key] = rewriteRelayedHeader(value, new URL(target).host);
      } else {
        outHeaders[key] = value;
      }
    });

    send({ type: "response_headers", request_id: frame.request_id, status: resp.status, headers: outHeaders });

    if (!resp.body) {
      send({ type: "stream_close", request_id: frame.request_id });
      return;
    }

    await relayBody(frame.request_id, resp.body, frame.streaming_mode === "real");
  } catch (err) {
    send({ type: "error", request_id: frame.request_id, status: 0, message: String(err && err.message || err) });
  } finally {
    inflight.delete(frame.request_id);
  }
}

async function relayBody(requestId, body, real) {
  const reader = body.getReader();
  const decoder = new TextDecoder();
  let accumulated = "";
  let idleTimer;

  const resetIdle = () => {
    clearTimeout(idleTimer);
    idleTimer = setTimeout(() => {
      reader.cancel();
      send({ type: "error", request_id: requestId, status: 0, message: "idle timeout" });
    }, IDLE_TIMEOUT_MS);
  };

  resetIdle();
  try {
    for (;;) {
      const { done, value } = await reader.read();
      if (done) break;
      const text = decoder.decode(value, { stream: true });
      resetIdle();
      if (real) {
        send({ type: "chunk", request_id: requestId, data: text });
      } else {
        accumulated += text;
      }
    }
  } finally {
    clearTimeout(idleTimer);
  }

  if (!real) {
    send({ type: "chunk", request_id: requestId, data: accumulated });
  }
  send({ type: "stream_close", request_id: requestId });
}

connect();
`
