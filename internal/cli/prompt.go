package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// prompter handles the interactive questions asked by "openbrain init".
type prompter struct {
	in      io.Reader
	out     io.Writer
	scanner *bufio.Scanner
}

func defaultPrompter() *prompter {
	return &prompter{in: os.Stdin, out: os.Stdout}
}

func (p *prompter) scan() *bufio.Scanner {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.in)
	}
	return p.scanner
}

func (p *prompter) readLine() string {
	if p.scan().Scan() {
		return strings.TrimSpace(p.scan().Text())
	}
	return ""
}

// ask prints a question with a default value and reads one line. Returns the
// default if the user presses Enter without typing.
func (p *prompter) ask(question, defaultVal string) string {
	if defaultVal != "" {
		_, _ = fmt.Fprintf(p.out, "%s [%s]: ", question, defaultVal)
	} else {
		_, _ = fmt.Fprintf(p.out, "%s: ", question)
	}
	line := p.readLine()
	if line != "" {
		return line
	}
	return defaultVal
}

// choose presents a numbered list of options and returns the selected value.
func (p *prompter) choose(question string, options []string, defaultIdx int) string {
	_, _ = fmt.Fprintf(p.out, "%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		_, _ = fmt.Fprintf(p.out, "%s%d) %s\n", marker, i+1, opt)
	}

	for {
		ans := p.ask("Choice", strconv.Itoa(defaultIdx+1))
		n, err := strconv.Atoi(ans)
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		_, _ = fmt.Fprintf(p.out, "  Please enter a number between 1 and %d.\n", len(options))
	}
}

// confirm asks a yes/no question.
func (p *prompter) confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := p.ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
