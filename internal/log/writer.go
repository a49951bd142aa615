/*
Mailsrv - Multi-protocol mail server (SMTP/IMAP/POP3) for a single administrative domain.
Copyright © 2026 Mailsrv contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

type wcOutput struct {
	timestamps bool
	wc         io.WriteCloser
}

func (w wcOutput) Write(stamp time.Time, debug bool, msg string) {
	b := strings.Builder{}
	if w.timestamps {
		b.WriteString(stamp.UTC().Format("2006-01-02T15:04:05.000Z "))
	}
	if debug {
		b.WriteString("[debug] ")
	}
	b.WriteString(msg)
	b.WriteRune('\n')
	if _, err := io.WriteString(w.wc, b.String()); err != nil {
		fmt.Fprintf(os.Stderr, "!!! failed to write log message: %v\n", err)
	}
}

func (w wcOutput) Close() error {
	return w.wc.Close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// WriterOutput writes formatted messages (millisecond timestamp optional,
// "[debug] " prefix on debug lines) to w. Goroutine-safety is whatever w
// itself provides; os.File is safe for this on every common platform.
func WriterOutput(w io.Writer, timestamps bool) Output {
	return wcOutput{timestamps, nopCloser{w}}
}
