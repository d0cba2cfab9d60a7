package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/storaged-project/blivet-gui-sub000/internal/client"
	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

func writeTable(out io.Writer, title string, header table.Row, rows []table.Row) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	if title != "" {
		t.SetTitle(title)
	}
	t.AppendHeader(header)
	t.AppendRows(rows)
	t.Render()
}

// items flattens an operation result into a list. Index proxies are
// walked with their iter method.
func items(v any) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	case *client.Proxy:
		var out []any
		for item, err := range t.All() {
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
}

// formatValue renders a value for a table cell. Proxies are shown by name
// when they have one.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case string:
		if t == "" {
			return "-"
		}
		return t
	case ipc.Size:
		return t.String()
	case *client.Proxy:
		if name, err := t.Attr("name"); err == nil {
			if s, ok := name.(string); ok {
				return s
			}
		}
		return t.String()
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = formatValue(item)
		}
		if len(parts) == 0 {
			return "-"
		}
		return strings.Join(parts, ",")
	case *ipc.Bag:
		return t.Format()
	default:
		return fmt.Sprint(v)
	}
}

func attrs(p *client.Proxy, names ...string) (table.Row, error) {
	row := make(table.Row, len(names))
	for i, name := range names {
		v, err := p.Attr(name)
		if err != nil {
			return nil, fmt.Errorf("reading %s of %s: %w", name, p, err)
		}
		row[i] = formatValue(v)
	}
	return row, nil
}

func proxies(list []any) ([]*client.Proxy, error) {
	out := make([]*client.Proxy, 0, len(list))
	for _, item := range list {
		p, ok := item.(*client.Proxy)
		if !ok {
			return nil, fmt.Errorf("expected a daemon object, got %T", item)
		}
		out = append(out, p)
	}
	return out, nil
}

func writeDisks(out io.Writer, c *client.Client) error {
	v, err := c.Call("get_disks")
	if err != nil {
		return err
	}
	list, err := items(v)
	if err != nil {
		return err
	}
	disks, err := proxies(list)
	if err != nil {
		return err
	}

	rows := make([]table.Row, 0, len(disks))
	for i, d := range disks {
		row, err := attrs(d, "name", "size", "model")
		if err != nil {
			return err
		}
		free, err := c.Call("get_free_space", d)
		if err != nil {
			return err
		}
		rows = append(rows, append(table.Row{i + 1}, row[0], row[1], formatValue(free), row[2]))
	}
	writeTable(out, "Disks", table.Row{"#", "Name", "Size", "Free", "Model"}, rows)
	return nil
}

func writeDevices(out io.Writer, c *client.Client) error {
	v, err := c.Call("get_devices")
	if err != nil {
		return err
	}
	list, err := items(v)
	if err != nil {
		return err
	}
	devices, err := proxies(list)
	if err != nil {
		return err
	}

	rows := make([]table.Row, 0, len(devices))
	for i, d := range devices {
		row, err := attrs(d, "name", "type", "size", "format", "parents")
		if err != nil {
			return err
		}
		rows = append(rows, append(table.Row{i + 1}, row...))
	}
	writeTable(out, "Devices", table.Row{"#", "Name", "Type", "Size", "Format", "Parents"}, rows)
	return nil
}

func writeActions(out io.Writer, c *client.Client) error {
	v, err := c.Call("get_actions")
	if err != nil {
		return err
	}
	list, err := items(v)
	if err != nil {
		return err
	}
	actions, err := proxies(list)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		fmt.Fprintln(out, "No pending actions.")
		return nil
	}

	rows := make([]table.Row, 0, len(actions))
	for _, a := range actions {
		row, err := attrs(a, "id", "type", "description")
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	writeTable(out, "Pending actions", table.Row{"ID", "Type", "Description"}, rows)
	return nil
}
