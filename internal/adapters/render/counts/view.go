package counts

import (
	"fmt"
	"sort"

	"github.com/bnema/fedwatch/internal/domain"
	"github.com/charmbracelet/lipgloss"
)

// Row pairs one account with its unread breakdown for display.
type Row struct {
	Account domain.Account
	Counts  domain.FeedCounts
}

// Render produces the terminal view of the cross-account unread aggregate.
func Render(rows []Row, total int) (string, error) {
	return renderView(rows, total, newStyles()), nil
}

func renderView(rows []Row, total int, s styles) string {
	lines := []string{
		s.title.Render("Fedwatch unread activity"),
		s.header.Render(fmt.Sprintf("accounts: %d", len(rows))),
	}

	if len(rows) == 0 {
		lines = append(lines, s.empty.Render("No accounts configured. Run `fedwatch login` first."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Account.ID < sorted[j].Account.ID })

	for _, row := range sorted {
		lines = append(lines, s.section.Render(renderAccount(row, s)))
	}

	lines = append(lines, s.section.Render(s.total.Render(fmt.Sprintf("total unread: %d", total))))

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderAccount(row Row, s styles) string {
	parts := []string{
		s.account.Render(fmt.Sprintf("%s (%s)", row.Account.DisplayName, row.Account.ID)),
		countLine("notifications", row.Counts.Notifications, s),
		countLine("messages", row.Counts.Messages, s),
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func countLine(label string, count int, s styles) string {
	if count == 0 {
		return s.empty.Render(fmt.Sprintf("  %s: 0", label))
	}

	return s.detail.Render(fmt.Sprintf("  %s: ", label)) + s.unread.Render(fmt.Sprintf("%d", count))
}
