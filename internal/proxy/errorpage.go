package proxy

import (
	"fmt"
	"net/http"
	"strings"
)

// statusPlaceholder is the token operators embed in the custom error page.
const statusPlaceholder = "%%STATUS%%"

const builtinErrorPage = `<!DOCTYPE html>
<html>
<head><title>%%STATUS%%</title></head>
<body>
<center><h1>%%STATUS%%</h1></center>
<center><hr>Gatehouse</center>
</body>
</html>
`

// renderErrorPage substitutes the status placeholder into the operator
// template, falling back to the built-in page when none is configured.
func renderErrorPage(template string, status int) string {
	if strings.TrimSpace(template) == "" {
		template = builtinErrorPage
	}
	text := fmt.Sprintf("%d %s", status, http.StatusText(status))
	return strings.ReplaceAll(template, statusPlaceholder, text)
}

// writeErrorPage sends an HTML error response using the snapshot's template.
func writeErrorPage(w http.ResponseWriter, template string, status int) {
	body := renderErrorPage(template, status)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
