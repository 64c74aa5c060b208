package server

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>SpatialCapture</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/@picocss/pico@2/css/pico.min.css">
    <style>
        #toggle { width: 100%; font-size: 1.5rem; padding: 1.5rem; }
        .recording #toggle { background: #c62828; border-color: #c62828; }
        .stats { display: grid; grid-template-columns: repeat(3, 1fr); gap: .5rem; }
        .stats div { text-align: center; }
        .stats strong { display: block; font-size: 1.4rem; }
        #error { color: #c62828; }
    </style>
</head>
<body>
<main class="container" id="app">
    <h1>SpatialCapture</h1>
    <p id="message">Connecting...</p>
    <p id="error"></p>
    <button id="toggle">Record</button>

    <section class="stats">
        <div><strong id="fps">-</strong>FPS</div>
        <div><strong id="points">-</strong>Feature points</div>
        <div><strong id="elapsed">-</strong>Elapsed</div>
        <div><strong id="frames">-</strong>Frames</div>
        <div><strong id="dropped">-</strong>Dropped</div>
        <div><strong id="flushes">-</strong>Flushes</div>
    </section>
    <p><small id="tracking"></small></p>
    <p><small id="config"></small></p>

    <h2>Sessions</h2>
    <table>
        <thead><tr><th>Started</th><th>Files</th><th></th></tr></thead>
        <tbody id="sessions"></tbody>
    </table>
</main>
<script>
const $ = (id) => document.getElementById(id);

function render(st) {
    document.body.className = st.state === "RECORDING" ? "recording" : "";
    $("toggle").textContent = st.state === "RECORDING" ? "Stop" : "Record";
    $("toggle").disabled = st.state === "FINALIZING" || st.state === "STARTING";
    $("message").textContent = st.message;
    $("error").textContent = st.last_error || "";
    $("fps").textContent = st.fps.toFixed(1);
    $("points").textContent = st.feature_points;
    $("elapsed").textContent = st.elapsed || "-";
    $("frames").textContent = st.frames_accepted;
    $("dropped").textContent = st.frames_dropped;
    $("flushes").textContent = st.flushes;
    $("tracking").textContent = "Tracking: " + (st.tracking || "-");
    if (st.resolved_config) {
        const c = st.resolved_config;
        $("config").textContent = c.active_profile + " | " + c.video + " | " + c.audio + " | " + c.output_dir;
    }
}

async function loadSessions() {
    const res = await fetch("/sessions");
    const data = await res.json();
    $("sessions").innerHTML = "";
    for (const s of data.sessions) {
        const row = document.createElement("tr");
        const links = (s.files || []).map(f =>
            '<a href="' + f.url + '">' + f.name + "</a> (" + f.size_human + ")").join("<br>");
        row.innerHTML = "<td>" + s.started_human + "</td><td>" + links + "</td>" +
            '<td><button class="outline merge" data-id="' + s.name + '">Merge</button></td>';
        $("sessions").appendChild(row);
    }
    document.querySelectorAll(".merge").forEach(b => b.onclick = async () => {
        b.disabled = true;
        const res = await fetch("/sessions/" + b.dataset.id + "/merge", { method: "POST" });
        const data = await res.json();
        if (!data.success) $("error").textContent = data.error;
        loadSessions();
    });
}

$("toggle").onclick = async () => {
    const res = await fetch("/toggle", { method: "POST" });
    const data = await res.json();
    if (!data.success) $("error").textContent = data.error;
};

function connect() {
    const proto = location.protocol === "https:" ? "wss://" : "ws://";
    const ws = new WebSocket(proto + location.host + "/events");
    ws.onmessage = (msg) => {
        const data = JSON.parse(msg.data);
        render(data.status);
        if (data.event && data.event.type === "finished") loadSessions();
    };
    ws.onclose = () => setTimeout(connect, 2000);
}

setInterval(async () => {
    const res = await fetch("/status");
    render(await res.json());
}, 1000);

connect();
loadSessions();
</script>
</body>
</html>`
