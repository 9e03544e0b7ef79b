package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/danieldreier/mcp-recall/internal/catalog"
	"github.com/danieldreier/mcp-recall/internal/sm2"
	"github.com/danieldreier/mcp-recall/internal/storage"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	noteStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("8")).Padding(0, 1)

	difficultyColors = map[string]lipgloss.Color{
		catalog.Easy:   lipgloss.Color("10"),
		catalog.Medium: lipgloss.Color("11"),
		catalog.Hard:   lipgloss.Color("9"),
	}
)

func difficulty(d string) string {
	return lipgloss.NewStyle().Foreground(difficultyColors[d]).Render(d)
}

func dateOrDash(p storage.Progress) string {
	if p.NextReviewDate == nil {
		return "-"
	}
	return sm2.DateString(*p.NextReviewDate)
}

func cellStyleFunc(row, col int) lipgloss.Style {
	if row == table.HeaderRow {
		return headerStyle
	}
	return cellStyle
}

// problemTable renders problems one per row.
func problemTable(problems []storage.Problem) string {
	rows := make([][]string, 0, len(problems))
	for _, p := range problems {
		rows = append(rows, []string{
			strconv.FormatInt(p.ID, 10),
			p.Title,
			p.Difficulty,
			strings.Join(p.Categories, ", "),
			p.Progress.Status,
			dateOrDash(p.Progress),
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("ID", "Title", "Difficulty", "Category", "Status", "Next Review").
		Rows(rows...).
		StyleFunc(cellStyleFunc)
	return t.String()
}

func printProblemDetail(w io.Writer, d *ProblemDetail) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("#%d %s", d.ID, d.Title)))
	fmt.Fprintf(w, "%s  %s\n", difficulty(d.Difficulty), mutedStyle.Render(strings.Join(d.Categories, ", ")))
	if d.LeetCodeURL != "" {
		fmt.Fprintf(w, "LeetCode: %s\n", d.LeetCodeURL)
	}
	if d.NeetCodeURL != "" {
		fmt.Fprintf(w, "NeetCode: %s\n", d.NeetCodeURL)
	}

	p := d.Progress
	fmt.Fprintf(w, "Status: %s  Reps: %d  Interval: %dd  Ease: %.2f  Next: %s\n",
		p.Status, p.Repetitions, p.Interval, p.EaseFactor, dateOrDash(p))

	previews := make([]string, 0, len(d.Previews))
	for _, pv := range d.Previews {
		previews = append(previews, fmt.Sprintf("%d %s → %dd", pv.Quality, pv.Label, pv.Days))
	}
	fmt.Fprintln(w, mutedStyle.Render(strings.Join(previews, " · ")))

	if d.Note != "" {
		fmt.Fprintln(w, noteStyle.Render(d.Note))
	}
	if n := len(d.Reviews); n > 0 {
		last := d.Reviews[n-1]
		fmt.Fprintf(w, "Reviews: %d, last %s (%s)\n",
			n,
			last.ReviewedAt.Local().Format("2006-01-02 15:04"),
			sm2.ClampQuality(float64(last.Quality)))
	}
}

func printSession(w io.Writer, s SessionInfo) {
	fmt.Fprintf(w, "Session %s: %d/%d done, %d left\n", s.Date, s.Completed, s.Limit, s.Remaining)
}

func printStats(w io.Writer, st storage.Stats) {
	fmt.Fprintln(w, titleStyle.Render("Progress"))
	fmt.Fprintf(w, "Practiced %d of %d  Due today %d  Reviews %d\n",
		st.Practiced, st.Total, st.DueToday, st.TotalReviews)

	rows := make([][]string, 0, len(st.ByDifficulty))
	for _, d := range st.ByDifficulty {
		rows = append(rows, []string{d.Difficulty, strconv.Itoa(d.Practiced), strconv.Itoa(d.Mastered), strconv.Itoa(d.Total)})
	}
	fmt.Fprintln(w, table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("Difficulty", "Practiced", "Mastered", "Total").
		Rows(rows...).
		StyleFunc(cellStyleFunc).
		String())

	rows = rows[:0]
	for _, c := range st.ByCategory {
		rows = append(rows, []string{c.Category, fmt.Sprintf("%d/%d", c.Practiced, c.Total)})
	}
	fmt.Fprintln(w, table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("Category", "Practiced").
		Rows(rows...).
		StyleFunc(cellStyleFunc).
		String())
}

func success(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, successStyle.Render(fmt.Sprintf(format, args...)))
}

func warn(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf(format, args...)))
}
