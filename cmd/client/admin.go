// Package main – admin subcommand: live replica table rendered with bubbletea + lipgloss.
package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	admingrpc "github.com/i-melnichenko/bft-lab/internal/transport/grpc/admin"
)

const (
	adminRefreshInterval = 500 * time.Millisecond
	// stallPolls is how many consecutive polls a replica may hold ordered but
	// unexecuted ops before it is reported as stalled.
	stallPolls = 6
)

// ---- Data types -------------------------------------------------------------

type adminConn struct {
	addr   string
	client *admingrpc.Client
}

type adminRow struct {
	addr     string
	info     admingrpc.NodeInfo
	isLeader bool
	stalled  bool
	err      string
}

func (r adminRow) lag() uint64 {
	if r.info.LastOp < r.info.CommitPoint {
		return 0
	}
	return r.info.LastOp - r.info.CommitPoint
}

// ---- Bubbletea messages -----------------------------------------------------

type tickMsg time.Time

type rowsMsg struct {
	rows []adminRow
	ts   time.Time
}

// ---- Lipgloss styles --------------------------------------------------------

type uiStyles struct {
	dotHealthy  lipgloss.Style
	dotDegraded lipgloss.Style
	dotUnavail  lipgloss.Style
	dotSelected lipgloss.Style
	addr        lipgloss.Style
	nodeLead    lipgloss.Style
	roleLeader  lipgloss.Style
	roleBackup  lipgloss.Style
	viewVal     lipgloss.Style
	metric      lipgloss.Style
	lagHigh     lipgloss.Style
	tableHeader lipgloss.Style
	appHeader   lipgloss.Style
	tsStyle     lipgloss.Style
	footer      lipgloss.Style
	divider     lipgloss.Style
	alertsHdr   lipgloss.Style
	alertKind   lipgloss.Style
	detailLabel lipgloss.Style
	detailValue lipgloss.Style
	sumDim      lipgloss.Style
	sumHealthy  lipgloss.Style
	sumErrors   lipgloss.Style
	sumDegraded lipgloss.Style
}

var styles = buildStyles()

func buildStyles() uiStyles {
	// "1"=red "2"=green "3"=yellow "4"=blue "5"=magenta "6"=cyan "7"=white "8"=bright-black
	return uiStyles{
		dotHealthy:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
		dotDegraded: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		dotUnavail:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
		dotSelected: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
		addr:        lipgloss.NewStyle().Faint(true).Foreground(lipgloss.Color("6")),
		nodeLead:    lipgloss.NewStyle().Bold(true),
		roleLeader:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")),
		roleBackup:  lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		viewVal:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		metric:      lipgloss.NewStyle().Faint(true),
		lagHigh:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		tableHeader: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7")).Background(lipgloss.Color("8")),
		appHeader:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
		tsStyle:     lipgloss.NewStyle().Faint(true),
		footer:      lipgloss.NewStyle().Faint(true),
		divider:     lipgloss.NewStyle().Faint(true),
		alertsHdr:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")),
		alertKind:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
		detailLabel: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		detailValue: lipgloss.NewStyle().Faint(true),
		sumDim:      lipgloss.NewStyle().Faint(true),
		sumHealthy:  lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		sumErrors:   lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		sumDegraded: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	}
}

// ---- Table layout -----------------------------------------------------------

// Fixed columns: ST(2) PROTO(8) ROLE(6) VIEW(5) LDR(3) LAST(7) CMT(7) LAG(5) CLI(4) plus separators.
const fixedColumnsWidth = 2 + 8 + 6 + 5 + 3 + 7 + 7 + 5 + 4 + 11

type adminColWidths struct {
	addr int
	node int
}

// adminColumnsForWidth sizes the ADDR and NODE columns to fill contentWidth.
func adminColumnsForWidth(rows []adminRow, contentWidth int) adminColWidths {
	maxAddr, maxNode := len("ADDR"), len("NODE")
	for _, r := range rows {
		maxAddr = maxInt(maxAddr, len(r.addr))
		maxNode = maxInt(maxNode, len(r.info.NodeID))
	}
	col := adminColWidths{
		addr: clampInt(maxAddr, 8, 22),
		node: clampInt(maxNode, 4, 10),
	}
	room := contentWidth - fixedColumnsWidth
	if room <= 0 {
		return adminColWidths{addr: 4, node: 4}
	}
	if over := col.addr + col.node - room; over > 0 {
		col.addr = maxInt(4, col.addr-over)
	}
	return col
}

func pad(s string, width int) string {
	return fmt.Sprintf("%-*s", width, shorten(s, width))
}

func renderStatusDot(r adminRow, selected bool) string {
	switch {
	case selected:
		return styles.dotSelected.Render("▶") + " "
	case r.err != "":
		return styles.dotUnavail.Render("●") + " "
	case r.info.Status == "healthy" && !r.stalled:
		return styles.dotHealthy.Render("●") + " "
	default:
		return styles.dotDegraded.Render("●") + " "
	}
}

func renderRole(r adminRow) string {
	if r.isLeader {
		return styles.roleLeader.Render(pad("leader", 6))
	}
	return styles.roleBackup.Render(pad("backup", 6))
}

func renderLag(lag uint64) string {
	cell := fmt.Sprintf("%5d", lag)
	if lag > 0 {
		return styles.lagHigh.Render(cell)
	}
	return styles.metric.Render(cell)
}

// makeTableRow builds the single-line string for one admin row.
// selected=true replaces the status dot with the cursor arrow ▶.
func makeTableRow(r adminRow, cols adminColWidths, selected bool) string {
	dot := renderStatusDot(r, selected)
	addr := styles.addr.Render(pad(r.addr, cols.addr))

	if r.err != "" {
		dash := "-"
		return dot + addr +
			" " + pad(dash, cols.node) +
			" " + pad(dash, 8) +
			" " + pad(dash, 6) +
			fmt.Sprintf(" %5s %3s %7s %7s %5s %4s", dash, dash, dash, dash, dash, dash)
	}

	node := pad(r.info.NodeID, cols.node)
	if r.isLeader {
		node = styles.nodeLead.Render(node)
	}
	return dot + addr +
		" " + node +
		" " + pad(r.info.Protocol, 8) +
		" " + renderRole(r) +
		" " + styles.viewVal.Render(fmt.Sprintf("%5d", r.info.View)) +
		" " + fmt.Sprintf("%3d", r.info.Leader) +
		" " + styles.metric.Render(fmt.Sprintf("%7d", r.info.LastOp)) +
		" " + styles.metric.Render(fmt.Sprintf("%7d", r.info.CommitPoint)) +
		" " + renderLag(r.lag()) +
		" " + styles.metric.Render(fmt.Sprintf("%4d", r.info.Clients))
}

// renderHeader returns the styled table header line padded to contentWidth.
func renderHeader(cols adminColWidths, contentWidth int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-2s", "ST")
	fmt.Fprintf(&b, "%-*s", cols.addr, headerLabel("ADDR", cols.addr))
	fmt.Fprintf(&b, " %-*s", cols.node, headerLabel("NODE", cols.node))
	fmt.Fprintf(&b, " %-8s %-6s %5s %3s %7s %7s %5s %4s", "PROTO", "ROLE", "VIEW", "LDR", "LAST", "CMT", "LAG", "CLI")
	return styles.tableHeader.Width(contentWidth).MaxWidth(contentWidth).Render(b.String())
}

// renderSummary returns the "[N total] [N healthy] ..." line.
func renderSummary(rows []adminRow) string {
	healthy, degraded, errorsN := 0, 0, 0
	for _, r := range rows {
		switch {
		case r.err != "":
			errorsN++
		case r.info.Status == "healthy":
			healthy++
		default:
			degraded++
		}
	}
	bracket := func(st lipgloss.Style, label string, n int) string {
		d := styles.sumDim
		return d.Render("[") + st.Render(fmt.Sprintf("%d", n)) + d.Render(" "+label+"]")
	}
	return strings.Join([]string{
		bracket(lipgloss.NewStyle(), "total", len(rows)),
		bracket(styles.sumHealthy, "healthy", healthy),
		bracket(styles.sumDegraded, "degraded", degraded),
		bracket(styles.sumErrors, "unreachable", errorsN),
	}, " ")
}

// renderDetails lists the protocol-specific counters of the selected replica.
func renderDetails(r adminRow, contentWidth int) string {
	if r.err != "" {
		return styles.detailLabel.Render("error:") + " " + styles.detailValue.Render(shorten(errorSummary(r.err), maxInt(10, contentWidth-8)))
	}
	items := []string{"peers=" + strings.Join(r.info.Peers, ",")}
	for _, k := range r.info.DetailKeys() {
		items = append(items, fmt.Sprintf("%s=%d", k, r.info.Details[k]))
	}
	return styles.detailLabel.Render("details:") + " " + styles.detailValue.Render(shorten(strings.Join(items, " "), maxInt(10, contentWidth-10)))
}

// alert is one cluster-level problem shown under the table.
type alert struct {
	kind   string
	detail string
}

// clusterAlerts derives alerts from one poll. The fault threshold f is
// inferred from the number of polled replicas.
func clusterAlerts(rows []adminRow) []alert {
	var out []alert
	faulty := 0
	views := make(map[uint64]int)
	for _, r := range rows {
		switch {
		case r.err != "":
			faulty++
			out = append(out, alert{kind: errorKind(r.err), detail: r.addr + " " + errorSummary(r.err)})
			continue
		case r.info.Status != "healthy":
			faulty++
			out = append(out, alert{kind: "DEGRADED", detail: r.info.NodeID + " stopped processing messages"})
		case r.stalled:
			out = append(out, alert{kind: "STALLED", detail: fmt.Sprintf("%s has %d ordered ops not executed", r.info.NodeID, r.lag())})
		}
		views[r.info.View]++
	}
	if len(views) > 1 {
		out = append(out, alert{kind: "VIEW_SPLIT", detail: fmt.Sprintf("replicas report %d different views", len(views))})
	}
	if n := len(rows); n > 0 {
		f := (n - 1) / 3
		if faulty > f {
			out = append(out, alert{
				kind:   "FAULTS_EXCEEDED",
				detail: fmt.Sprintf("%d of %d replicas faulty, cluster tolerates f=%d", faulty, n, f),
			})
		}
	}
	return out
}

func buildAlertLines(rows []adminRow, contentWidth int) []string {
	alerts := clusterAlerts(rows)
	lines := make([]string, 0, len(alerts))
	for _, a := range alerts {
		lines = append(lines, fmt.Sprintf("%s %s",
			styles.alertKind.Render(a.kind),
			shorten(a.detail, maxInt(20, contentWidth-len(a.kind)-1)),
		))
	}
	return lines
}

// ---- Bubbletea model --------------------------------------------------------

type adminModel struct {
	rows       []adminRow
	ts         time.Time
	poller     *adminPoller
	width      int
	height     int
	cursor     int
	scrollOff  int
	selectedID string
	cols       adminColWidths
}

func newAdminModel(poller *adminPoller) adminModel {
	return adminModel{
		poller: poller,
		width:  120,
		height: 40,
	}
}

func (m adminModel) Init() tea.Cmd {
	// Only the initial poll; each rowsMsg schedules the next tick so at most
	// one poll is in flight.
	return m.pollCmd()
}

func (m adminModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.recalcCols()
		return m, nil

	case tickMsg:
		return m, m.pollCmd()

	case rowsMsg:
		m.rows = msg.rows
		m.ts = msg.ts
		m.recalcCols()
		m.restoreSelection()
		tickFn := func(t time.Time) tea.Msg { return tickMsg(t) }
		return m, tea.Tick(adminRefreshInterval, tickFn)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			m.moveCursor(-1)
		case "down", "j":
			m.moveCursor(1)
		}
	}
	return m, nil
}

func (m adminModel) View() string {
	contentWidth := m.contentWidth()

	var b strings.Builder
	b.WriteString("  ")
	b.WriteString(styles.appHeader.Render("Replica view"))
	b.WriteString("  ")
	b.WriteString(styles.tsStyle.Render(m.ts.Format(time.RFC3339)))
	b.WriteString("\n")
	b.WriteString(renderSummary(m.rows))
	b.WriteString("\n\n")

	b.WriteString(renderHeader(m.cols, contentWidth))
	b.WriteString("\n")
	end := minInt(m.scrollOff+m.visibleRowCount(), len(m.rows))
	for i := m.scrollOff; i < end; i++ {
		b.WriteString(makeTableRow(m.rows[i], m.cols, i == m.cursor))
		b.WriteString("\n")
	}

	b.WriteString("\n  ")
	if m.cursor >= 0 && m.cursor < len(m.rows) {
		b.WriteString(renderDetails(m.rows[m.cursor], contentWidth))
	}
	b.WriteString("\n")

	if alertLines := buildAlertLines(m.rows, contentWidth); len(alertLines) > 0 {
		b.WriteString(styles.divider.Render(strings.Repeat("-", contentWidth)))
		b.WriteString("\n")
		b.WriteString(styles.alertsHdr.Render("Alerts"))
		b.WriteString("\n")
		for _, line := range alertLines {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n  ")
	b.WriteString(styles.footer.Render("↑/↓ select · q to exit"))

	// Pad to terminal height so a shorter frame overwrites stale alert lines.
	out := b.String()
	if m.height > 0 {
		lines := strings.Split(out, "\n")
		for len(lines) < m.height {
			lines = append(lines, "")
		}
		return strings.Join(lines, "\n")
	}
	return out
}

// ---- Model helpers ----------------------------------------------------------

func (m adminModel) contentWidth() int {
	if w := m.width - 2; w > 0 {
		return w
	}
	return 80
}

func (m *adminModel) recalcCols() {
	m.cols = adminColumnsForWidth(m.rows, m.contentWidth())
}

func (m *adminModel) restoreSelection() {
	for i, r := range m.rows {
		if m.selectedID != "" && r.addr == m.selectedID {
			m.cursor = i
			m.clampScroll()
			return
		}
	}
	if m.cursor >= len(m.rows) {
		m.cursor = maxInt(0, len(m.rows)-1)
	}
	if len(m.rows) > 0 {
		m.selectedID = m.rows[m.cursor].addr
	}
}

func (m *adminModel) moveCursor(delta int) {
	if len(m.rows) == 0 {
		return
	}
	m.cursor = clampInt(m.cursor+delta, 0, len(m.rows)-1)
	m.clampScroll()
	m.selectedID = m.rows[m.cursor].addr
}

func (m *adminModel) clampScroll() {
	visRows := m.visibleRowCount()
	if m.cursor < m.scrollOff {
		m.scrollOff = m.cursor
	} else if m.cursor >= m.scrollOff+visRows {
		m.scrollOff = m.cursor - visRows + 1
	}
	if m.scrollOff < 0 {
		m.scrollOff = 0
	}
}

func (m adminModel) visibleRowCount() int {
	// title, summary, blank, header, blank, details, blank, footer, alerts header
	return maxInt(2, m.height-9)
}

func (m adminModel) pollCmd() tea.Cmd {
	p := m.poller
	return func() tea.Msg {
		rows, ts := p.poll(context.Background())
		return rowsMsg{rows: rows, ts: ts}
	}
}

// ---- Polling ----------------------------------------------------------------

// adminPoller fetches node info from every replica and tracks how long each
// replica has held unexecuted ops.
type adminPoller struct {
	conns   []adminConn
	timeout time.Duration

	mu       sync.Mutex
	lastCmt  map[string]uint64
	stuckFor map[string]int
}

func newAdminPoller(conns []adminConn, timeout time.Duration) *adminPoller {
	return &adminPoller{
		conns:    conns,
		timeout:  timeout,
		lastCmt:  make(map[string]uint64),
		stuckFor: make(map[string]int),
	}
}

func cmdAdmin(addrs []string, timeout time.Duration) error {
	if len(addrs) == 0 {
		return fmt.Errorf("no addresses provided")
	}
	conns, err := openAdminConns(addrs)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range conns {
			_ = c.client.Close()
		}
	}()

	p := tea.NewProgram(newAdminModel(newAdminPoller(conns, timeout)), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func openAdminConns(addrs []string) ([]adminConn, error) {
	conns := make([]adminConn, 0, len(addrs))
	for _, addr := range addrs {
		c, err := admingrpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			for _, c := range conns {
				_ = c.client.Close()
			}
			return nil, fmt.Errorf("dial admin %s: %w", addr, err)
		}
		conns = append(conns, adminConn{addr: addr, client: c})
	}
	return conns, nil
}

func (p *adminPoller) poll(ctx context.Context) ([]adminRow, time.Time) {
	rows := make([]adminRow, len(p.conns))
	var wg sync.WaitGroup
	wg.Add(len(p.conns))
	for i, c := range p.conns {
		go func(i int, c adminConn) {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			info, err := c.client.GetNodeInfo(reqCtx)
			if err != nil {
				rows[i] = adminRow{addr: c.addr, err: err.Error()}
				return
			}
			rows[i] = adminRow{addr: c.addr, info: info, isLeader: info.Leader == info.Index}
		}(i, c)
	}
	wg.Wait()

	p.markStalled(rows)
	sortRows(rows)
	return rows, time.Now()
}

// markStalled flags replicas whose commit point has not moved for
// stallPolls polls while they still hold ordered ops.
func (p *adminPoller) markStalled(rows []adminRow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range rows {
		r := &rows[i]
		if r.err != "" {
			continue
		}
		prev, seen := p.lastCmt[r.addr]
		if seen && prev == r.info.CommitPoint && r.lag() > 0 {
			p.stuckFor[r.addr]++
		} else {
			p.stuckFor[r.addr] = 0
		}
		p.lastCmt[r.addr] = r.info.CommitPoint
		r.stalled = p.stuckFor[r.addr] >= stallPolls
	}
}

func sortRows(rows []adminRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if (a.err == "") != (b.err == "") {
			return a.err == ""
		}
		if a.err == "" && a.info.Index != b.info.Index {
			return a.info.Index < b.info.Index
		}
		return a.addr < b.addr
	})
}

func errorKind(err string) string {
	switch {
	case strings.Contains(err, "code = Unavailable"):
		return "UNAVAILABLE"
	case strings.Contains(err, "code = Unimplemented"):
		return "UNIMPLEMENTED"
	case strings.Contains(err, "code = DeadlineExceeded"):
		return "TIMEOUT"
	default:
		return "ERROR"
	}
}

func errorSummary(err string) string {
	return strings.Join(strings.Fields(err), " ")
}

func shorten(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func headerLabel(label string, width int) string {
	if width <= 0 {
		return ""
	}
	if len(label) <= width {
		return label
	}
	if width >= 2 {
		return label[:2]
	}
	return label[:width]
}
