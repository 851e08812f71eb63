package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/notiflow/display"
	"github.com/teranos/notiflow/errors"
	"github.com/teranos/notiflow/manager"
	"github.com/teranos/notiflow/notification"
	"github.com/teranos/notiflow/sym"
)

// NotificationsCmd groups the notification list commands
var NotificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"n", "notif"},
	Short:   sym.Bell + " List and manage notifications",
	Long: sym.Bell + ` notifications - List and manage platform notifications

Examples:
  notiflow notifications ls              # Newest first, with job progress
  notiflow notifications ls --unread     # Unread only
  notiflow notifications read 42         # Mark one as read
  notiflow notifications rm 42           # Delete one
  notiflow notifications read-all        # Mark all as read
  notiflow notifications rm-all --yes    # Delete all`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var notificationsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List notifications, newest first",
	RunE:    runNotificationsLs,
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotificationsRead,
}

var notificationsRmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	Short:   "Delete a notification",
	Args:    cobra.ExactArgs(1),
	RunE:    runNotificationsRm,
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification as read",
	RunE:  runNotificationsReadAll,
}

var notificationsRmAllCmd = &cobra.Command{
	Use:   "rm-all",
	Short: "Delete every notification",
	RunE:  runNotificationsRmAll,
}

var (
	lsUnread bool
	lsLimit  int
	rmAllYes bool
)

func init() {
	notificationsLsCmd.Flags().BoolVar(&lsUnread, "unread", false, "Only unread notifications")
	notificationsLsCmd.Flags().IntVar(&lsLimit, "limit", 0, "Show at most this many (0 = all)")
	notificationsRmAllCmd.Flags().BoolVarP(&rmAllYes, "yes", "y", false, "Confirm deleting every notification")

	NotificationsCmd.AddCommand(notificationsLsCmd)
	NotificationsCmd.AddCommand(notificationsReadCmd)
	NotificationsCmd.AddCommand(notificationsRmCmd)
	NotificationsCmd.AddCommand(notificationsReadAllCmd)
	NotificationsCmd.AddCommand(notificationsRmAllCmd)
}

// listing is the structured form of `notifications ls`.
type listing struct {
	Stats         manager.Stats  `json:"stats"`
	Notifications []manager.Item `json:"notifications"`
}

func runNotificationsLs(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	s, err := startOneShot(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	m := s.Manager()
	items := filterItems(m.NotificationsWithStats(), lsUnread, lsLimit)
	out := cmd.OutOrStdout()
	if handled, err := display.Structured(out, format, listing{Stats: m.Stats(), Notifications: items}); handled {
		return err
	}

	stats := m.Stats()
	fmt.Fprintf(out, "%d notifications, %d unread, %d active jobs\n", stats.Total, stats.Unread, stats.ActiveJobs)
	return display.Table(out, []string{"", "ID", "TITLE", "MESSAGE", "JOB", "AGE"}, itemRows(items, time.Now()), "No notifications")
}

func filterItems(items []manager.Item, unreadOnly bool, limit int) []manager.Item {
	out := items[:0:0]
	for _, it := range items {
		if unreadOnly && it.Notification.Read {
			continue
		}
		out = append(out, it)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func itemRows(items []manager.Item, now time.Time) [][]string {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		n := it.Notification
		mark := sym.ForSeverity(n.Type)
		if !n.Read {
			mark = sym.Unread + mark
		}
		id := n.ID.String()
		if n.IsLocal() {
			id = n.Key
		}
		job := ""
		if it.Job != nil {
			job = jobSummary(*it.Job)
		}
		rows = append(rows, []string{mark, id, truncate(n.Title, 40), truncate(n.Message, 60), job, humanAge(now.Sub(n.Timestamp))})
	}
	return rows
}

func runNotificationsRead(cmd *cobra.Command, args []string) error {
	return mutateOne(cmd, args[0], "Marked %s as read", func(m *manager.Manager, n notification.Notification) error {
		return m.MarkAsRead(cmd.Context(), n)
	})
}

func runNotificationsRm(cmd *cobra.Command, args []string) error {
	return mutateOne(cmd, args[0], "Deleted %s", func(m *manager.Manager, n notification.Notification) error {
		return m.DeleteNotification(cmd.Context(), n)
	})
}

func mutateOne(cmd *cobra.Command, ref, done string, fn func(*manager.Manager, notification.Notification) error) error {
	s, err := startOneShot(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := findNotification(s.Manager().Notifications(), ref)
	if err != nil {
		return err
	}
	if err := fn(s.Manager(), n); err != nil {
		return err
	}
	pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln(done, ref)
	return nil
}

// findNotification matches a server id or a client key.
func findNotification(ns []notification.Notification, ref string) (notification.Notification, error) {
	ref = strings.TrimSpace(ref)
	for _, n := range ns {
		if n.ID.String() == ref || n.Key == ref {
			return n, nil
		}
	}
	return notification.Notification{}, errors.WithHint(
		errors.NewNotFoundError("notification %s", ref),
		"List ids with: notiflow notifications ls")
}

func runNotificationsReadAll(cmd *cobra.Command, args []string) error {
	s, err := startOneShot(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	unread := s.Manager().Stats().Unread
	if err := s.Manager().MarkAllAsRead(cmd.Context()); err != nil {
		return err
	}
	pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln("Marked %d notifications as read", unread)
	return nil
}

func runNotificationsRmAll(cmd *cobra.Command, args []string) error {
	if !rmAllYes {
		return errors.WithHint(
			errors.Wrap(errors.ErrInvalidRequest, "refusing to delete every notification without confirmation"),
			"Rerun with --yes")
	}
	s, err := startOneShot(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	total := s.Manager().Stats().Total
	if err := s.Manager().DeleteAll(cmd.Context()); err != nil {
		return err
	}
	pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln("Deleted %d notifications", total)
	return nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
