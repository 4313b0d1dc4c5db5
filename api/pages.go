package api

import "html/template"

// The broker serves three tiny pages: the "check your inbox" notice, the
// confirmation page that moves the code out of the URL fragment into a
// POST, and the form_post document that hands the token to the relying
// application. They are embedded so the binary is self-contained.

var pageStyle = `
  body { font-family: system-ui, sans-serif; max-width: 36rem; margin: 4rem auto; padding: 0 1rem; color: #222; }
  h1 { font-size: 1.4rem; }
  input { font-size: 1.1rem; padding: 0.4rem; }
  button { font-size: 1.1rem; padding: 0.4rem 1rem; }
`

var emailSentPage = template.Must(template.New("emailSent").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Check your email</title><style>` + pageStyle + `</style></head>
<body>
<h1>Check your email</h1>
<p>We sent a confirmation link to <strong>{{.Email}}</strong> so you can
finish logging in to <strong>{{.ClientID}}</strong>.</p>
<p>You can close this page after opening the link.</p>
</body>
</html>
`))

// confirmPage runs on the emailed link. The one-time code travels in the
// URL fragment, which the server never sees; the inline script moves it
// into the form so it arrives as a POST body, not a logged query string.
var confirmPage = template.Must(template.New("confirm").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Confirm your login</title><style>` + pageStyle + `</style></head>
<body>
<h1>Confirm your login</h1>
<form method="post" action="/confirm">
  <input type="hidden" name="session" value="{{.SessionID}}">
  <p><label>Confirmation code:
    <input type="text" name="code" id="code" autocomplete="one-time-code" autofocus>
  </label></p>
  <p><button type="submit">Confirm</button></p>
</form>
<script>
  (function () {
    var m = /(?:^|[#&])code=([^&]+)/.exec(window.location.hash);
    if (m) {
      document.getElementById("code").value = decodeURIComponent(m[1]);
      document.forms[0].submit();
    }
  })();
</script>
</body>
</html>
`))

// formPostPage posts a set of fields back to the relying application
// via an auto-submitting form, for response_mode=form_post. The same
// document carries successful tokens and relayed errors.
var formPostPage = template.Must(template.New("formPost").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Redirecting</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.RedirectURI}}">
{{- range $name, $value := .Fields}}
  <input type="hidden" name="{{$name}}" value="{{$value}}">
{{- end}}
  <noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>
`))
