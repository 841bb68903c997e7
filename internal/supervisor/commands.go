package supervisor

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/3cpo-dev/fleetd/internal/core"
)

// Commands renders the process-control command templates.
type Commands struct {
	build         []string
	proxy         *template.Template
	launchWorker  *template.Template
	findWorker    *template.Template
	terminate     *template.Template
	provision     *template.Template
	provisionSeed *template.Template
}

type commandData struct {
	Host string
	PID  int
}

// ParseCommands compiles every template in c. Empty provisioning templates
// are allowed and turn provisioning into a no-op.
func ParseCommands(c core.Commands) (*Commands, error) {
	cmds := &Commands{build: append([]string(nil), c.Build...)}
	for _, t := range []struct {
		name string
		text string
		dst  **template.Template
	}{
		{"proxy", c.Proxy, &cmds.proxy},
		{"launch_worker", c.LaunchWorker, &cmds.launchWorker},
		{"find_worker", c.FindWorker, &cmds.findWorker},
		{"terminate", c.Terminate, &cmds.terminate},
		{"provision", c.Provision, &cmds.provision},
		{"provision_seed", c.ProvisionSeed, &cmds.provisionSeed},
	} {
		tmpl, err := template.New(t.name).Option("missingkey=error").Parse(t.text)
		if err != nil {
			return nil, fmt.Errorf("parse %s command: %w", t.name, err)
		}
		*t.dst = tmpl
	}
	return cmds, nil
}

func render(t *template.Template, host string, pid int) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, commandData{Host: host, PID: pid}); err != nil {
		return "", fmt.Errorf("render %s command: %w", t.Name(), err)
	}
	return strings.TrimSpace(b.String()), nil
}

func (c *Commands) Build() []string { return c.build }

func (c *Commands) Proxy() (string, error) { return render(c.proxy, "", 0) }

func (c *Commands) LaunchWorker(host string) (string, error) { return render(c.launchWorker, host, 0) }

func (c *Commands) FindWorker(host string) (string, error) { return render(c.findWorker, host, 0) }

func (c *Commands) Terminate(host string, pid int) (string, error) {
	return render(c.terminate, host, pid)
}

func (c *Commands) Provision(host string, seed bool) (string, error) {
	if seed {
		return render(c.provisionSeed, host, 0)
	}
	return render(c.provision, host, 0)
}
