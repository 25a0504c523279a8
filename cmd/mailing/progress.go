package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const defaultBarWidth = 40

// progressBar renders migration progress. On a terminal the bar is redrawn
// in place, otherwise only section titles and step totals are written.
type progressBar struct {
	out   io.Writer
	tty   bool
	width int
	total int
	done  int
}

func newProgressBar(out io.Writer) *progressBar {
	p := &progressBar{out: out, width: defaultBarWidth}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.tty = true
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 30 {
			p.width = min(cols-20, defaultBarWidth)
		}
	}
	return p
}

func (p *progressBar) Section(title string) {
	fmt.Fprintln(p.out, title)
}

func (p *progressBar) Start(total int) {
	p.total = total
	p.done = 0
	p.draw()
}

func (p *progressBar) Advance() {
	p.done++
	p.draw()
}

func (p *progressBar) Finish() {
	if p.tty {
		p.draw()
		fmt.Fprintln(p.out)
		return
	}
	fmt.Fprintf(p.out, "  %d/%d\n", p.done, p.total)
}

func (p *progressBar) draw() {
	if !p.tty {
		return
	}
	fmt.Fprintf(p.out, "\r%s %d/%d", bar(p.done, p.total, p.width), p.done, p.total)
}

// bar returns a [===   ] gauge of done over total
func bar(done, total, width int) string {
	filled := width
	if total > 0 {
		filled = min(done*width/total, width)
	}
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
}
