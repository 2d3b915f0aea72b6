package buffer

import (
	"fmt"
	"strings"

	"tgiedit/logger"
	"tgiedit/text"

	"github.com/neovim/go-client/nvim"
)

type Config struct {
	// Center scrolls the window so the write cursor stays in the middle
	Center bool
}

// Editor hands out documents bound to Neovim buffers and reports messages to the user
type Editor struct {
	client *nvim.Nvim
	config Config
}

func NewEditor(n *nvim.Nvim, config Config) *Editor {
	return &Editor{client: n, config: config}
}

// CurrentDocument binds the buffer and window that are current right now.
// Later buffer switches by the user do not move where text is written.
func (e *Editor) CurrentDocument() (text.Document, error) {
	if e.client == nil {
		return nil, fmt.Errorf("nvim client not set")
	}

	batch := e.client.NewBatch()
	var buf nvim.Buffer
	var win nvim.Window
	batch.CurrentBuffer(&buf)
	batch.CurrentWindow(&win)
	if err := batch.Execute(); err != nil {
		return nil, fmt.Errorf("bind current buffer: %w", err)
	}
	return New(e.client, buf, win, e.config), nil
}

// openChatLua focuses the chat buffer named by the first argument, creating
// a scratch split for it when it does not exist yet
const openChatLua = `
local title = ...
local buf = -1
for _, b in ipairs(vim.api.nvim_list_bufs()) do
	if vim.api.nvim_buf_is_valid(b) and vim.fn.fnamemodify(vim.api.nvim_buf_get_name(b), ':t') == title then
		buf = b
		break
	end
end
if buf ~= -1 then
	local win = vim.fn.bufwinid(buf)
	if win ~= -1 then
		vim.api.nvim_set_current_win(win)
	else
		vim.cmd('belowright split')
		vim.api.nvim_win_set_buf(0, buf)
		vim.cmd('resize 10')
	end
else
	vim.cmd('belowright split')
	vim.cmd('enew')
	vim.cmd('resize 10')
	buf = vim.api.nvim_get_current_buf()
	vim.api.nvim_buf_set_name(buf, title)
	vim.bo[buf].buftype = 'nofile'
	vim.bo[buf].bufhidden = 'wipe'
	vim.bo[buf].swapfile = false
end
return {buf, vim.api.nvim_get_current_win()}
`

// ChatDocument opens or focuses the chat split and binds its buffer
func (e *Editor) ChatDocument(title string) (text.Document, error) {
	if e.client == nil {
		return nil, fmt.Errorf("nvim client not set")
	}

	var ids []int
	batch := e.client.NewBatch()
	batch.ExecLua(openChatLua, &ids, title)
	if err := batch.Execute(); err != nil {
		return nil, fmt.Errorf("open chat window: %w", err)
	}
	if len(ids) != 2 {
		return nil, fmt.Errorf("open chat window: unexpected result %v", ids)
	}
	logger.Debug("chat window: buf=%d win=%d", ids[0], ids[1])
	return New(e.client, nvim.Buffer(ids[0]), nvim.Window(ids[1]), e.config), nil
}

// Notify echoes msg in the command line and keeps it in :messages
func (e *Editor) Notify(msg string) {
	logger.Info("notify: %s", msg)
	if e.client == nil {
		return
	}
	batch := e.client.NewBatch()
	batch.ExecLua("vim.api.nvim_echo({{...}}, true, {})", nil, msg)
	if err := batch.Execute(); err != nil {
		logger.Error("error echoing message: %v", err)
	}
}

// NvimBuffer is a text.Document over one Neovim buffer. Line numbers are
// 1-indexed like the rest of the text package; conversion to the API's
// 0-indexed, end-exclusive ranges happens here.
type NvimBuffer struct {
	client *nvim.Nvim
	id     nvim.Buffer
	win    nvim.Window // window the cursor is moved in
	config Config
}

func New(n *nvim.Nvim, id nvim.Buffer, win nvim.Window, config Config) *NvimBuffer {
	return &NvimBuffer{
		client: n,
		id:     id,
		win:    win,
		config: config,
	}
}

// ID returns the bound buffer handle
func (b *NvimBuffer) ID() nvim.Buffer { return b.id }

func (b *NvimBuffer) LineCount() (int, error) {
	if b.client == nil {
		return 0, fmt.Errorf("nvim client not set")
	}
	var count int
	batch := b.client.NewBatch()
	batch.BufferLineCount(b.id, &count)
	if err := batch.Execute(); err != nil {
		return 0, err
	}
	return count, nil
}

func (b *NvimBuffer) Line(i int) (string, error) {
	lines, err := b.lines(i-1, i)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("line %d: out of range", i)
	}
	return lines[0], nil
}

// Snapshot reads the whole buffer in one call
func (b *NvimBuffer) Snapshot() ([]string, error) {
	defer logger.Trace("buffer.Snapshot")()
	return b.lines(0, -1)
}

func (b *NvimBuffer) SetLine(i int, content string) error {
	return b.setLines(i-1, i, content)
}

func (b *NvimBuffer) InsertLineAfter(i int, content string) error {
	// start == end inserts without replacing
	return b.setLines(i, i, content)
}

func (b *NvimBuffer) DeleteLine(i int) error {
	return b.setLines(i-1, i)
}

func (b *NvimBuffer) AppendLine(content string) error {
	return b.setLines(-1, -1, content)
}

// setCursorLua moves the cursor in a window that may have been closed since
// the document was bound
const setCursorLua = `
local win, line, center = ...
if not vim.api.nvim_win_is_valid(win) then
	return
end
vim.api.nvim_win_set_cursor(win, {line, 0})
if center then
	vim.api.nvim_win_call(win, function() vim.cmd('normal! zz') end)
end
`

func (b *NvimBuffer) SetCursor(i int) error {
	if b.client == nil {
		return fmt.Errorf("nvim client not set")
	}
	batch := b.client.NewBatch()
	batch.ExecLua(setCursorLua, nil, b.win, i, b.config.Center)
	return batch.Execute()
}

func (b *NvimBuffer) Refresh() error {
	if b.client == nil {
		return fmt.Errorf("nvim client not set")
	}
	batch := b.client.NewBatch()
	batch.Command("redraw")
	return batch.Execute()
}

func (b *NvimBuffer) lines(start, end int) ([]string, error) {
	if b.client == nil {
		return nil, fmt.Errorf("nvim client not set")
	}
	var raw [][]byte
	batch := b.client.NewBatch()
	batch.BufferLines(b.id, start, end, true, &raw)
	if err := batch.Execute(); err != nil {
		return nil, err
	}
	return fromBytes(raw), nil
}

// setLines replaces the 0-indexed, end-exclusive range [start, end) with content
func (b *NvimBuffer) setLines(start, end int, content ...string) error {
	if b.client == nil {
		return fmt.Errorf("nvim client not set")
	}
	batch := b.client.NewBatch()
	batch.SetBufferLines(b.id, start, end, true, toBytes(content))
	return batch.Execute()
}

// toBytes converts lines for the API. A buffer line cannot hold a newline and
// one would fail the whole call, so it is flattened to a space.
func toBytes(lines []string) [][]byte {
	out := make([][]byte, len(lines))
	for i, line := range lines {
		out[i] = []byte(strings.ReplaceAll(line, "\n", " "))
	}
	return out
}

func fromBytes(raw [][]byte) []string {
	out := make([]string, len(raw))
	for i, line := range raw {
		out[i] = string(line)
	}
	return out
}
