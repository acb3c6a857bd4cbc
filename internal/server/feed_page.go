package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Minimal self-contained moderator feed page. Connects to /v1/feed over
// WebSocket and renders assessments and alerts as they arrive. Serves as a
// smoke-test surface for the realtime hub; real moderator tooling lives
// elsewhere.
const feedPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Live Feed · commwatch</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        :root {
            --bg: #09090b; --bg-subtle: #18181b; --border: #27272a;
            --text: #fafafa; --text-secondary: #a1a1aa; --text-tertiary: #52525b;
            --ok: #22c55e; --medium: #eab308; --high: #f97316; --critical: #ef4444;
        }
        body {
            font-family: -apple-system, 'Segoe UI', sans-serif;
            background: var(--bg); color: var(--text);
            min-height: 100vh; font-size: 14px;
            -webkit-font-smoothing: antialiased;
        }
        .mono { font-family: ui-monospace, 'SF Mono', monospace; }
        .container { max-width: 800px; margin: 0 auto; padding: 0 24px; }
        header {
            border-bottom: 1px solid var(--border); padding: 16px 0;
            position: sticky; top: 0; background: var(--bg); z-index: 100;
        }
        .header-inner { display: flex; justify-content: space-between; align-items: center; }
        .logo { display: flex; align-items: center; gap: 10px; color: var(--text); }
        .logo-mark { width: 24px; height: 24px; background: var(--ok); border-radius: 6px; }
        .logo-text { font-weight: 600; font-size: 15px; }

        .feed-header {
            padding: 48px 0 24px;
            display: flex; justify-content: space-between; align-items: flex-end;
            border-bottom: 1px solid var(--border);
        }
        .feed-title { font-size: 24px; font-weight: 600; margin-bottom: 4px; }
        .feed-desc { color: var(--text-secondary); }
        .live-badge {
            display: flex; align-items: center; gap: 8px;
            background: var(--bg-subtle); border: 1px solid var(--border);
            padding: 8px 14px; border-radius: 20px; font-size: 13px; color: var(--text-secondary);
        }
        .live-dot {
            width: 8px; height: 8px; background: var(--ok); border-radius: 50%;
            animation: pulse 2s ease-in-out infinite;
        }
        .live-dot.off { background: var(--text-tertiary); animation: none; }
        @keyframes pulse { 0%, 100% { opacity: 1; } 50% { opacity: 0.4; } }

        .ev-list { padding: 0; }
        .ev {
            display: grid; grid-template-columns: 1fr auto;
            gap: 16px; padding: 20px 0; border-bottom: 1px solid var(--border);
            align-items: start;
            animation: slideIn 0.3s ease-out;
        }
        @keyframes slideIn { from { opacity: 0; transform: translateY(-8px); } to { opacity: 1; transform: translateY(0); } }

        .ev-head { display: flex; align-items: center; gap: 10px; margin-bottom: 8px; flex-wrap: wrap; }
        .ev-kind {
            background: var(--bg); border: 1px solid var(--border);
            padding: 2px 8px; border-radius: 4px; font-size: 11px;
            text-transform: uppercase; color: var(--text-tertiary);
        }
        .ev-kind.alert { color: var(--critical); border-color: var(--critical); }
        .ev-actor {
            background: var(--bg-subtle); padding: 6px 12px; border-radius: 6px;
            font-weight: 500; font-size: 14px;
        }
        .ev-channel { color: var(--text-secondary); font-size: 13px; }
        .ev-detail { color: var(--text-secondary); font-size: 13px; }
        .ev-right { text-align: right; }
        .ev-score { font-size: 18px; font-weight: 600; }
        .score-normal { color: var(--ok); }
        .score-medium { color: var(--medium); }
        .score-high { color: var(--high); }
        .score-critical { color: var(--critical); }
        .ev-time { font-size: 12px; color: var(--text-tertiary); margin-top: 4px; }

        .empty { text-align: center; padding: 80px 24px; color: var(--text-tertiary); }
    </style>
</head>
<body>
    <header><div class="container header-inner">
        <div class="logo"><div class="logo-mark"></div><span class="logo-text">commwatch</span></div>
    </div></header>
    <main class="container">
        <div class="feed-header">
            <div>
                <h1 class="feed-title">Live Feed</h1>
                <p class="feed-desc">Assessments and alerts as the pipeline produces them</p>
            </div>
            <div class="live-badge"><span class="live-dot off" id="dot"></span> <span id="status">Connecting</span></div>
        </div>
        <div class="ev-list" id="feed"><div class="empty">Waiting for events...</div></div>
    </main>
    <script>
        const MAX_ROWS = 100;
        const esc = s => String(s ?? '').replace(/[&<>"]/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;'}[c]));
        const scoreClass = s => s >= 95 ? 'score-critical' : s >= 85 ? 'score-high' : s >= 60 ? 'score-medium' : 'score-normal';
        const timeOf = ts => new Date(ts).toLocaleTimeString();

        function row(ev) {
            const d = ev.data || {};
            const isAlert = ev.type === 'alert';
            const detail = isAlert
                ? esc(d.title) + (d.description ? ' · ' + esc(d.description) : '')
                : esc(d.category) + (d.flagged ? ' · flagged' : '');
            return '<div class="ev">'+
                '<div>'+
                    '<div class="ev-head">'+
                        '<span class="ev-kind'+(isAlert?' alert':'')+'">'+esc(ev.type)+'</span>'+
                        '<span class="ev-actor">'+esc(d.actorId)+'</span>'+
                        '<span class="ev-channel">#'+esc(d.channelId)+'</span>'+
                    '</div>'+
                    '<div class="ev-detail">'+detail+'</div>'+
                '</div>'+
                '<div class="ev-right">'+
                    '<div class="ev-score mono '+scoreClass(d.riskScore||0)+'">'+Math.round(d.riskScore||0)+'</div>'+
                    '<div class="ev-time">'+timeOf(ev.timestamp)+'</div>'+
                '</div>'+
            '</div>';
        }

        let empty = true;
        function connect() {
            const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
            const ws = new WebSocket(proto + '//' + location.host + '/v1/feed');
            ws.onopen = () => {
                document.getElementById('dot').classList.remove('off');
                document.getElementById('status').textContent = 'Live';
                ws.send(JSON.stringify({allEvents: true}));
            };
            ws.onmessage = e => {
                const ev = JSON.parse(e.data);
                const feed = document.getElementById('feed');
                if (empty) { feed.innerHTML = ''; empty = false; }
                feed.insertAdjacentHTML('afterbegin', row(ev));
                while (feed.children.length > MAX_ROWS) feed.removeChild(feed.lastChild);
            };
            ws.onclose = () => {
                document.getElementById('dot').classList.add('off');
                document.getElementById('status').textContent = 'Reconnecting';
                setTimeout(connect, 3000);
            };
        }
        connect();
    </script>
</body>
</html>`

func feedPageHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, feedPageHTML)
}
