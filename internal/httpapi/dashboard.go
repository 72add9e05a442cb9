package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>SourcingHub Control Surface</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --accent-2: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background:
        radial-gradient(1200px 500px at -5% -10%, rgba(232, 138, 61, 0.18), transparent 60%),
        radial-gradient(900px 500px at 110% -10%, rgba(31, 157, 136, 0.2), transparent 65%),
        linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell {
      max-width: 1240px;
      margin: 0 auto;
      display: grid;
      gap: 14px;
      animation: rise 420ms ease-out;
    }

    .bar {
      background: linear-gradient(140deg, #fffefc, #fcf6eb);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 {
      margin: 0;
      font-size: clamp(1.2rem, 2vw, 1.75rem);
      letter-spacing: 0.02em;
    }

    .sub {
      margin-top: 6px;
      color: var(--muted);
      font-size: 0.9rem;
    }

    .controls {
      display: grid;
      gap: 10px;
      grid-template-columns: 1.4fr 0.7fr 0.6fr 0.6fr;
      margin-top: 12px;
    }

    .controls input {
      width: 100%;
      border-radius: 10px;
      border: 1px solid var(--line);
      background: #ffffff;
      color: var(--ink);
      padding: 10px 12px;
      font-size: 0.92rem;
      outline: none;
    }

    .controls input:focus {
      border-color: var(--accent);
      box-shadow: 0 0 0 3px rgba(31, 157, 136, 0.15);
    }

    button {
      border: 0;
      border-radius: 10px;
      padding: 10px 12px;
      font-family: inherit;
      font-weight: 700;
      letter-spacing: 0.01em;
      cursor: pointer;
      transition: transform 120ms ease, opacity 120ms ease, box-shadow 120ms ease;
    }

    button:hover { transform: translateY(-1px); }
    button:active { transform: translateY(0); }

    .btn-primary {
      background: linear-gradient(125deg, var(--accent), #2ab399);
      color: #ffffff;
      box-shadow: 0 10px 18px rgba(31, 157, 136, 0.22);
    }

    .btn-secondary {
      background: linear-gradient(120deg, #f2ede2, #efe6d7);
      color: var(--ink);
      border: 1px solid var(--line);
    }

    .cards {
      display: grid;
      gap: 14px;
      grid-template-columns: repeat(auto-fit, minmax(340px, 1fr));
    }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
      min-height: 180px;
    }

    .card h2 {
      margin: 0 0 10px;
      font-size: 1.02rem;
      display: flex;
      justify-content: space-between;
      align-items: center;
      gap: 8px;
    }

    .chip {
      font-size: 0.72rem;
      border-radius: 999px;
      padding: 3px 9px;
      background: rgba(31, 157, 136, 0.12);
      color: var(--accent);
      border: 1px solid rgba(31, 157, 136, 0.35);
      white-space: nowrap;
    }

    .chip.warn {
      background: rgba(232, 138, 61, 0.12);
      color: #a15a1c;
      border-color: rgba(232, 138, 61, 0.4);
    }

    .chip.bad {
      background: rgba(194, 72, 63, 0.1);
      color: var(--danger);
      border-color: rgba(194, 72, 63, 0.4);
    }

    table {
      width: 100%;
      border-collapse: collapse;
      font-size: 0.85rem;
    }

    th, td {
      text-align: left;
      padding: 7px 6px;
      border-bottom: 1px dashed var(--line);
      vertical-align: top;
      word-break: break-word;
    }

    th {
      color: var(--muted);
      font-size: 0.74rem;
      text-transform: uppercase;
      letter-spacing: 0.06em;
    }

    .mono { font-family: "JetBrains Mono", ui-monospace, monospace; font-size: 0.8rem; }

    .feed {
      display: grid;
      gap: 8px;
      max-height: 380px;
      overflow: auto;
      padding-right: 4px;
    }

    .evt {
      border: 1px solid var(--line);
      border-left: 4px solid var(--accent);
      border-radius: 10px;
      padding: 8px 10px;
      font-size: 0.82rem;
      background: #fffdf6;
    }

    .evt.fail { border-left-color: var(--danger); }
    .evt.retry { border-left-color: var(--accent-2); }

    .evt .meta { color: var(--muted); font-size: 0.72rem; margin-top: 3px; }

    .empty { color: var(--muted); font-size: 0.85rem; padding: 14px 0; }

    .note {
      font-size: 0.78rem;
      color: var(--muted);
      margin-top: 10px;
    }

    .status-delivered { color: var(--accent); font-weight: 700; }
    .status-failed { color: var(--danger); font-weight: 700; }
    .status-pending, .status-built { color: #a15a1c; font-weight: 700; }

    @keyframes rise {
      from { opacity: 0; transform: translateY(10px); }
      to { opacity: 1; transform: translateY(0); }
    }

    @keyframes pulse {
      0% { box-shadow: 0 0 0 0 rgba(31, 157, 136, 0.35); }
      100% { box-shadow: 0 0 0 14px rgba(31, 157, 136, 0); }
    }

    .pulse { animation: pulse 360ms ease; }
  </style>
</head>
<body>
  <div class="shell">
    <header class="bar">
      <h1>SourcingHub Control Surface</h1>
      <div class="sub">Tenant table sync, cursors, and submission delivery at a glance.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="Bearer token" autocomplete="off" />
        <input id="tenant" type="text" placeholder="Tenant id" autocomplete="off" />
        <button id="refresh" class="btn-primary">Refresh</button>
        <button id="poll" class="btn-secondary">Poll now</button>
      </div>
    </header>

    <section class="cards">
      <article class="card">
        <h2>Sync overview <span id="sync-chip" class="chip">idle</span></h2>
        <div id="sync-body" class="empty">Provide a token and tenant id, then refresh.</div>
      </article>

      <article class="card">
        <h2>Submissions <span id="subs-chip" class="chip">0</span></h2>
        <div id="subs-body" class="empty">No submissions loaded.</div>
      </article>

      <article class="card">
        <h2>Storage backends <span id="backend-chip" class="chip">unknown</span></h2>
        <div id="backend-body" class="empty">Requires an admin:read token.</div>
      </article>

      <article class="card">
        <h2>Event feed <span id="events-chip" class="chip">live</span></h2>
        <div id="events-body" class="feed"><div class="empty">No events yet.</div></div>
        <div class="note">Newest first. Polls /v1/admin/events every 5s with the supplied token.</div>
      </article>
    </section>
  </div>

  <script>
    (() => {
      const $ = (id) => document.getElementById(id);
      const getToken = () => $("token").value.trim();
      const getTenant = () => $("tenant").value.trim();

      const corr = () => "dash_" + Math.random().toString(36).slice(2, 10);

      async function api(path, opts = {}) {
        const headers = Object.assign({
          "Authorization": "Bearer " + getToken(),
          "X-Correlation-Id": corr(),
        }, opts.headers || {});
        if (opts.body) headers["Content-Type"] = "application/json";
        const res = await fetch(path, Object.assign({}, opts, { headers }));
        const text = await res.text();
        let data = null;
        try { data = text ? JSON.parse(text) : null; } catch { data = { raw: text }; }
        if (!res.ok) {
          const msg = data && data.message ? data.message : res.status + " " + res.statusText;
          throw new Error(msg);
        }
        return data;
      }

      function esc(v) {
        return String(v == null ? "" : v)
          .replaceAll("&", "&amp;").replaceAll("<", "&lt;").replaceAll(">", "&gt;");
      }

      async function loadSync() {
        const tenant = getTenant();
        if (!tenant) return;
        const chip = $("sync-chip");
        try {
          const data = await api("/v1/tenants/" + encodeURIComponent(tenant) + "/sync");
          const tables = data.tables || [];
          chip.textContent = tables.length + " tables";
          chip.className = "chip";
          if (!tables.length) {
            $("sync-body").innerHTML = '<div class="empty">No tables registered for this tenant.</div>';
            return;
          }
          let html = "<table><tr><th>Table</th><th>Cursor</th><th>Rows</th><th></th></tr>";
          for (const t of tables) {
            html += "<tr><td class='mono'>" + esc(t.table) + "</td>" +
              "<td class='mono'>" + esc(t.cursor || "(none)") + "</td>" +
              "<td>" + esc(t.rowCount) + "</td>" +
              "<td>" + (t.polling ? "<span class='chip warn'>polling</span>" : "") + "</td></tr>";
          }
          $("sync-body").innerHTML = html + "</table>";
        } catch (err) {
          chip.textContent = "error";
          chip.className = "chip bad";
          $("sync-body").innerHTML = '<div class="empty">' + esc(err.message) + "</div>";
        }
      }

      async function loadSubmissions() {
        const tenant = getTenant();
        if (!tenant) return;
        const chip = $("subs-chip");
        try {
          const data = await api("/v1/tenants/" + encodeURIComponent(tenant) + "/submissions");
          const subs = data.submissions || [];
          chip.textContent = String(subs.length);
          chip.className = "chip";
          if (!subs.length) {
            $("subs-body").innerHTML = '<div class="empty">No submissions for this tenant.</div>';
            return;
          }
          let html = "<table><tr><th>Id</th><th>Route</th><th>Status</th><th>Attempts</th><th>Location</th></tr>";
          for (const p of subs.slice(0, 12)) {
            html += "<tr><td class='mono'>" + esc(p.id) + "</td>" +
              "<td>" + esc(p.route) + "</td>" +
              "<td class='status-" + esc(p.status) + "'>" + esc(p.status) + "</td>" +
              "<td>" + esc(p.attempts) + "/" + esc(p.maxAttempts) + "</td>" +
              "<td class='mono'>" + esc(p.location || p.lastError || "") + "</td></tr>";
          }
          $("subs-body").innerHTML = html + "</table>";
        } catch (err) {
          chip.textContent = "error";
          chip.className = "chip bad";
          $("subs-body").innerHTML = '<div class="empty">' + esc(err.message) + "</div>";
        }
      }

      async function loadBackends() {
        const chip = $("backend-chip");
        try {
          const data = await api("/v1/admin/backends");
          chip.textContent = data.backendProfile || "custom";
          chip.className = "chip";
          $("backend-body").innerHTML =
            "<table>" +
            "<tr><th>State backend</th><td class='mono'>" + esc(data.stateBackend) + "</td></tr>" +
            "<tr><th>Delivery queue</th><td class='mono'>" + esc(data.deliveryQueue) + "</td></tr>" +
            "<tr><th>Queue depth</th><td>" + esc(data.deliveryQueueDepth) + " / " + esc(data.deliveryQueueCapacity) + "</td></tr>" +
            "</table>";
        } catch (err) {
          chip.textContent = "unavailable";
          chip.className = "chip warn";
          $("backend-body").innerHTML = '<div class="empty">' + esc(err.message) + "</div>";
        }
      }

      async function loadEvents() {
        if (!getToken()) return;
        try {
          const data = await api("/v1/admin/events?limit=40");
          const events = (data.events || []).slice().reverse();
          if (!events.length) {
            $("events-body").innerHTML = '<div class="empty">No events yet.</div>';
            return;
          }
          let html = "";
          for (const ev of events) {
            let cls = "evt";
            if (ev.type && ev.type.includes("failed")) cls += " fail";
            else if (ev.type && ev.type.includes("retry")) cls += " retry";
            html += '<div class="' + cls + '"><strong>' + esc(ev.type) + "</strong>" +
              (ev.table ? " · <span class='mono'>" + esc(ev.table) + "</span>" : "") +
              (ev.submissionId ? " · <span class='mono'>" + esc(ev.submissionId) + "</span>" : "") +
              '<div class="meta">' + esc(ev.tenantId || "") + " · " + esc(ev.timestamp) + "</div></div>";
          }
          $("events-body").innerHTML = html;
        } catch (err) {
          $("events-body").innerHTML = '<div class="empty">' + esc(err.message) + "</div>";
        }
      }

      async function triggerPoll() {
        const tenant = getTenant();
        if (!tenant) return;
        const btn = $("poll");
        btn.disabled = true;
        btn.classList.add("pulse");
        try {
          await api("/v1/tenants/" + encodeURIComponent(tenant) + "/poll", { method: "POST" });
        } catch (err) {
          console.warn("poll failed", err);
        } finally {
          btn.disabled = false;
          setTimeout(() => btn.classList.remove("pulse"), 400);
          refreshAll();
        }
      }

      function refreshAll() {
        window.localStorage.setItem("sourcinghub_dashboard_token", getToken());
        window.localStorage.setItem("sourcinghub_dashboard_tenant", getTenant());
        loadSync();
        loadSubmissions();
        loadBackends();
        loadEvents();
      }

      $("refresh").addEventListener("click", refreshAll);
      $("poll").addEventListener("click", triggerPoll);

      const savedToken = window.localStorage.getItem("sourcinghub_dashboard_token") || "";
      const savedTenant = window.localStorage.getItem("sourcinghub_dashboard_tenant") || "";
      $("token").value = savedToken;
      $("tenant").value = savedTenant;
      if (savedToken) refreshAll();

      setInterval(loadEvents, 5000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
