package console

import "net/http"

// Page is the control page: the four call buttons, the video sections field
// and the log fed by /ws/log
const Page = `<!DOCTYPE html>
<html>
<head>
    <title>Renegotiation timing</title>
    <style>
        body { font-family: sans-serif; max-width: 860px; margin: 40px auto; }
        button { padding: 8px 18px; margin-right: 6px; }
        button:disabled { opacity: 0.5; }
        #log { margin-top: 20px; font-family: monospace; white-space: pre-wrap; }
        .result { font-weight: bold; }
        .state { color: #1a73e8; }
        .log { color: #555; }
    </style>
</head>
<body>
    <h1>Renegotiation timing</h1>
    <div>
        <button id="startButton">Start</button>
        <button id="callButton" disabled>Call</button>
        <button id="renegotiateButton" disabled>Renegotiate</button>
        <button id="hangupButton" disabled>Hang Up</button>
        <label>Video sections <input id="videoSections" type="number" min="0" value="1" style="width: 5em"></label>
        <label><input id="showConsole" type="checkbox"> console</label>
    </div>
    <div id="log"></div>
    <script>
    const buttons = {
        start: document.getElementById('startButton'),
        call: document.getElementById('callButton'),
        renegotiate: document.getElementById('renegotiateButton'),
        hangup: document.getElementById('hangupButton'),
    };
    const log = document.getElementById('log');
    const showConsole = document.getElementById('showConsole');

    function applyState(s) {
        if (!s || !s.buttons) return;
        for (const [name, el] of Object.entries(buttons)) {
            el.disabled = !s.buttons[name];
        }
    }

    async function post(action, body) {
        for (const el of Object.values(buttons)) el.disabled = true;
        const resp = await fetch('/api/v1/' + action, {
            method: 'POST',
            headers: {'Content-Type': 'application/json'},
            body: JSON.stringify(body || {}),
        });
        const data = await resp.json();
        if (data.error) append({kind: 'log', text: 'error: ' + data.error});
        applyState(data);
    }

    function append(e) {
        if (e.kind === 'log' && !showConsole.checked) return;
        const line = document.createElement('div');
        line.className = e.kind;
        line.textContent = e.text;
        log.append(line);
    }

    buttons.start.onclick = () => post('start');
    buttons.call.onclick = () => post('call');
    buttons.renegotiate.onclick = () => post('renegotiate', {
        videoSections: parseInt(document.getElementById('videoSections').value, 10),
    });
    buttons.hangup.onclick = () => post('hangup');

    fetch('/api/v1/state').then(r => r.json()).then(applyState);

    const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws/log');
    ws.onmessage = (m) => append(JSON.parse(m.data));
    </script>
</body>
</html>
`

// ServePage handles GET /
func ServePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(Page))
}
