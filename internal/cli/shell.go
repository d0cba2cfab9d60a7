package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/storaged-project/blivet-gui-sub000/internal/client"
	"github.com/storaged-project/blivet-gui-sub000/internal/ipc"
)

const shellPrompt = "blivet> "

var deviceAttrs = []string{"name", "type", "path", "size", "format", "model", "protected", "exists", "parents", "children"}

func newShellCommand(opts *rootOptions) *cobra.Command {
	var readonly bool
	var protect []string

	cmd := &cobra.Command{
		Use:   "shell",
		Args:  noArgs,
		Short: "Run an interactive session on one daemon connection.",
		Long: "shell keeps one daemon connection open and reads commands from standard input.\n" +
			"Changes are queued until commit. Type 'help' for the command list.",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := ipc.NewBag("readonly", readonly, "protected", protect)
			c, done, err := openSession(opts, flags)
			if err != nil {
				return err
			}
			defer done()

			sh := &shell{c: c, out: cmd.OutOrStdout()}
			return sh.run(cmd.InOrStdin())
		},
	}
	cmd.Flags().BoolVar(&readonly, "readonly", false, "refuse every change to the device tree")
	cmd.Flags().StringSliceVar(&protect, "protect", nil, "devices that must not be changed")
	return cmd
}

// shell executes line-oriented commands against one client.
type shell struct {
	c   *client.Client
	out io.Writer
}

func (s *shell) run(in io.Reader) error {
	fmt.Fprintln(s.out, "blivetctl shell (type 'help' for commands, 'quit' to leave)")
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, shellPrompt)
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}

		quit, err := s.exec(scanner.Text())
		if err != nil {
			var ce *ipc.ConnError
			if errors.As(err, &ce) || errors.Is(err, client.ErrClosed) {
				return err
			}
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// exec runs one command line. It reports true when the session should end.
func (s *shell) exec(line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return false, nil
	}
	name, args := fields[0], fields[1:]

	switch name {
	case "quit", "exit":
		return true, nil
	case "help":
		s.help()
		return false, nil
	case "disks":
		return false, writeDisks(s.out, s.c)
	case "devices":
		return false, writeDevices(s.out, s.c)
	case "actions":
		return false, writeActions(s.out, s.c)
	case "show":
		if err := wantArgs(name, args, 1, 1, "NAME"); err != nil {
			return false, err
		}
		return false, s.show(args[0])
	case "children":
		if err := wantArgs(name, args, 1, 1, "NAME"); err != nil {
			return false, err
		}
		return false, s.children(args[0])
	case "add":
		if err := wantArgs(name, args, 3, 5, "PARENT TYPE SIZE [FS] [NAME]"); err != nil {
			return false, err
		}
		return false, s.add(args)
	case "delete":
		if err := wantArgs(name, args, 1, 1, "NAME"); err != nil {
			return false, err
		}
		return false, s.queued("delete_device", args[0])
	case "format":
		if err := wantArgs(name, args, 2, 2, "NAME FS"); err != nil {
			return false, err
		}
		return false, s.queued("format_device", args[0], args[1])
	case "resize":
		if err := wantArgs(name, args, 2, 2, "NAME SIZE"); err != nil {
			return false, err
		}
		return false, s.queued("resize_device", args[0], args[1])
	case "undo":
		n, err := s.c.Call("cancel_actions")
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "cancelled %v action(s)\n", n)
		return false, nil
	case "reset":
		if _, err := s.c.Control("reset"); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "device tree reloaded, pending actions dropped")
		return false, nil
	case "commit":
		return false, s.commit()
	default:
		return false, fmt.Errorf("unknown command %q, type 'help' for the list", name)
	}
}

func wantArgs(cmd string, args []string, least, most int, usage string) error {
	if len(args) < least || len(args) > most {
		return fmt.Errorf("usage: %s %s", cmd, usage)
	}
	return nil
}

func (s *shell) device(name string) (*client.Proxy, error) {
	v, err := s.c.Call("get_device", name)
	if err != nil {
		return nil, err
	}
	p, ok := v.(*client.Proxy)
	if !ok {
		return nil, fmt.Errorf("get_device returned %T", v)
	}
	return p, nil
}

func (s *shell) show(name string) error {
	dev, err := s.device(name)
	if err != nil {
		return err
	}
	rows := make([]table.Row, 0, len(deviceAttrs))
	for _, attr := range deviceAttrs {
		v, err := dev.Attr(attr)
		if err != nil {
			var re *ipc.RemoteError
			if errors.As(err, &re) && re.Kind == ipc.KindUnknownAttribute {
				continue
			}
			return err
		}
		rows = append(rows, table.Row{attr, formatValue(v)})
	}
	writeTable(s.out, name, table.Row{"Attribute", "Value"}, rows)
	return nil
}

func (s *shell) children(name string) error {
	v, err := s.c.Call("get_children", name)
	if err != nil {
		return err
	}
	list, err := items(v)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintf(s.out, "%s has no children\n", name)
		return nil
	}
	for _, child := range list {
		fmt.Fprintln(s.out, formatValue(child))
	}
	return nil
}

func (s *shell) add(args []string) error {
	callArgs := []any{args[0], args[1], args[2]}
	if len(args) > 3 {
		fs := args[3]
		if fs == "-" {
			fs = ""
		}
		callArgs = append(callArgs, fs)
	}
	if len(args) > 4 {
		callArgs = append(callArgs, args[4])
	}

	v, err := s.c.Call("add_device", callArgs...)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "queued: create %s %s\n", args[1], formatValue(v))
	return nil
}

func (s *shell) queued(op string, args ...string) error {
	callArgs := make([]any, len(args))
	for i, a := range args {
		callArgs[i] = a
	}
	if _, err := s.c.Call(op, callArgs...); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "queued: %s %s\n", strings.TrimSuffix(op, "_device"), strings.Join(args, " "))
	return nil
}

func (s *shell) commit() error {
	bag, err := s.c.Commit(func(text string) {
		fmt.Fprintln(s.out, text)
	})
	if err != nil {
		return err
	}
	if !bag.Bool("success") {
		if exc, ok := bag.Get("exception"); ok {
			if re, ok := exc.(*ipc.RemoteError); ok {
				return fmt.Errorf("commit failed: %w", re)
			}
		}
		return errors.New("commit failed")
	}
	fmt.Fprintln(s.out, "all actions applied")
	return nil
}

func (s *shell) help() {
	fmt.Fprint(s.out, `Commands:
  disks                              list disks
  devices                            list every device
  show NAME                          show the attributes of a device
  children NAME                      list the children of a device
  add PARENT TYPE SIZE [FS] [NAME]   queue a new partition, lvmvg or lvmlv
  delete NAME                        queue removal of a device
  format NAME FS                     queue a new format ("none" removes it)
  resize NAME SIZE                   queue a resize
  actions                            list pending actions
  undo                               cancel the last pending action
  reset                              reload the device tree, dropping pending actions
  commit                             apply every pending action
  help                               show this help
  quit, exit                         leave the shell
`)
}
