package server

import (
	"bytes"
	"html/template"

	"github.com/gofiber/fiber/v2"
)

var resultPage = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{if .OK}}Slack authorization complete{{else}}Slack authorization failed{{end}}</title></head>
<body>
{{if .OK}}<h1>Slack authorization complete</h1>
<p>Your token has been saved. Return to your MCP client and run the tool again.</p>
{{else}}<h1>Slack authorization failed</h1>
<p>{{.Detail}}</p>
<p>Run the tool again from your MCP client to restart the authorization.</p>
{{end}}</body>
</html>
`))

// renderResult writes the page a user sees at the end of a broker-driven
// session authorization.
func renderResult(c *fiber.Ctx, status int, ok bool, detail string) error {
	var buf bytes.Buffer
	if err := resultPage.Execute(&buf, struct {
		OK     bool
		Detail string
	}{ok, detail}); err != nil {
		return err
	}
	c.Type("html", "utf-8")
	return c.Status(status).Send(buf.Bytes())
}
