package web

import "html/template"

var pageTemplate = template.Must(template.New("page").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Loqa Studio</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 40rem; margin: 2rem auto; padding: 0 1rem; }
textarea { width: 100%; min-height: 8rem; }
label { display: block; margin: 0.75rem 0 0.25rem; }
button { margin-top: 0.75rem; padding: 0.5rem 1.5rem; }
audio { display: block; margin-top: 1rem; width: 100%; }
</style>
</head>
<body>
<h1>Text to speech</h1>
<form id="speak" method="post" action="/speak">
  <label for="text">Text</label>
  <textarea id="text" name="text">{{.Text}}</textarea>
  <label for="voice">Voice</label>
  <input id="voice" name="voice" value="{{.Voice}}">
  <button id="submit" type="submit"{{if .ButtonDisabled}} disabled{{end}}>{{.ButtonLabel}}</button>
</form>
<audio id="player" controls autoplay{{if .ShowPlayer}} src="{{.AudioSrc}}"{{else}} hidden{{end}}></audio>
<script>
(function () {
  var form = document.getElementById("speak");
  var button = document.getElementById("submit");
  var player = document.getElementById("player");
  var alertText = {{.Alert}};
  if (alertText) { alert(alertText); }

  function apply(state) {
    button.disabled = state.in_flight;
    button.textContent = state.in_flight ? "Generating..." : "Speak";
    if (state.result && player.getAttribute("src") !== state.result.url) {
      player.src = state.result.url;
      player.hidden = false;
      player.play().catch(function () {});
    }
  }

  form.addEventListener("submit", function (ev) {
    ev.preventDefault();
    fetch("/api/speak", {
      method: "POST",
      headers: { "Content-Type": "application/json" },
      body: JSON.stringify({
        text: document.getElementById("text").value,
        voice: document.getElementById("voice").value
      })
    }).then(function (resp) {
      if (resp.ok) { return resp.json().then(apply); }
      return resp.json().then(function (body) {
        if (body.notification) { alert(body.notification); }
      });
    }).catch(function () { alert("Failed to generate speech."); });
  });

  var scheme = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(scheme + location.host + "/ws");
  ws.onmessage = function (ev) {
    var msg = JSON.parse(ev.data);
    if (msg.type === "state") { apply(msg.payload); }
    if (msg.type === "notification") { alert(msg.payload.message); }
  };
})();
</script>
</body>
</html>
`))
