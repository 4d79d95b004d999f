package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/jesperrix/rixtribute/internal/config"
	"github.com/jesperrix/rixtribute/internal/ecr"
	"github.com/jesperrix/rixtribute/internal/pricing"
	"github.com/jesperrix/rixtribute/internal/tags"
)

// now is replaced in tests.
var now = time.Now

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...)
}

func instanceTable(instances []located) string {
	t := newTable("index", "name", "id", "state", "type", "spot", "region", "uptime", "public dns")
	for i, inst := range instances {
		uptime := ""
		if d := inst.Uptime(now()); d > 0 {
			uptime = d.String()
		}
		t.Row(
			strconv.Itoa(i),
			inst.Name,
			inst.ID,
			string(inst.State),
			inst.Type,
			strconv.FormatBool(inst.Spot),
			inst.Region,
			uptime,
			inst.PublicDNS,
		)
	}
	return t.Render()
}

func configuredTable(instances []config.Instance) string {
	t := newTable("index", "name", "region", "type", "spot", "container")
	for i, inst := range instances {
		t.Row(
			strconv.Itoa(i),
			inst.Name,
			inst.Config.Region,
			inst.Config.Type,
			strconv.FormatBool(inst.Config.Spot),
			inst.Container,
		)
	}
	return t.Render()
}

func repositoryTable(repos []ecr.Repository) string {
	t := newTable("name", "uri", "project", "created")
	for _, r := range repos {
		created := ""
		if !r.CreatedAt.IsZero() {
			created = r.CreatedAt.Format(time.DateTime)
		}
		t.Row(r.Name, r.URI, r.Tags[tags.KeyProject], created)
	}
	return t.Render()
}

func containerTable(cfg *config.Config) string {
	t := newTable("name", "image", "dockerfile", "ports")
	for _, c := range cfg.Containers {
		ports := ""
		for i, p := range c.Ports {
			if i > 0 {
				ports += ","
			}
			ports += fmt.Sprintf("%d:%d", p.HostPort, p.ContainerPort)
		}
		t.Row(c.Name, cfg.ImageTag(c), cfg.Dockerfile(c), ports)
	}
	return t.Render()
}

// priceTables renders one table per instance type.
func priceTables(rows []pricing.Row) []string {
	var (
		out     []string
		t       *table.Table
		current string
	)
	for _, r := range rows {
		if t == nil || r.InstanceType != current {
			if t != nil {
				out = append(out, t.Render())
			}
			current = r.InstanceType
			t = newTable("zone", "instance-type", "price-spot", "price-ondemand", "price-reduction", "price-reduction-percent")
		}
		t.Row(
			r.Zone,
			r.InstanceType,
			fmt.Sprintf("%.4f", r.Spot),
			fmt.Sprintf("%.4f", r.OnDemand),
			fmt.Sprintf("%.4f", r.Reduction),
			fmt.Sprintf("%.1f%%", r.ReductionPercent),
		)
	}
	if t != nil {
		out = append(out, t.Render())
	}
	return out
}
