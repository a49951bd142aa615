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

// Package log implements a minimalistic structured logging library shared by
// every engine in the server.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ulg-ingi/mailsrv/internal/mailerr"
)

// Logger writes formatted lines to an underlying Output. It is stateless and
// may be copied freely; only the Output is shared.
//
// Every log line is prefixed with the logger Name. Fields set on the value
// are merged with any fields passed to a call.
type Logger struct {
	Out    Output
	Name   string
	Debug  bool
	Fields map[string]interface{}
}

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.log(false, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

// Msg writes an informational line with structured key/value fields, e.g.
//
//	l.Msg("message delivered", "user", "dcd", "folder", "INBOX", "uid", 4)
func (l Logger) Msg(msg string, fields ...interface{}) {
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(false, l.formatMsg(msg, m))
}

// Error logs a non-nil error at error level, pulling any structured fields
// out of it via mailerr.Fields.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	errFields := mailerr.Fields(err)
	allFields := make(map[string]interface{}, len(fields)+len(errFields)+1)
	for k, v := range errFields {
		allFields[k] = v
	}
	if allFields["reason"] == nil {
		allFields["reason"] = err.Error()
	}
	fieldsToMap(fields, allFields)

	l.log(false, l.formatMsg(msg, allFields))
}

func fieldsToMap(fields []interface{}, out map[string]interface{}) {
	var lastKey string
	for i, val := range fields {
		if i%2 == 0 {
			key, ok := val.(string)
			if !ok {
				out[fmt.Sprint("field", i)] = val
				continue
			}
			lastKey = key
		} else {
			out[lastKey] = val
		}
	}
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	b := strings.Builder{}
	b.WriteString(msg)
	b.WriteRune('\t')

	if len(l.Fields)+len(fields) != 0 {
		if fields == nil {
			fields = make(map[string]interface{})
		}
		for k, v := range l.Fields {
			fields[k] = v
		}
		if err := marshalOrderedJSON(&b, fields); err != nil {
			return fmt.Sprintf("[bad log fields: %v] %v %+v", err, msg, fields)
		}
	}
	return b.String()
}

// Write implements io.Writer; every write is logged as a separate line.
func (l Logger) Write(p []byte) (int, error) {
	l.log(false, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (l Logger) log(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}
	if l.Out != nil {
		l.Out.Write(time.Now(), debug, s)
		return
	}
	if DefaultLogger.Out != nil {
		DefaultLogger.Out.Write(time.Now(), debug, s)
	}
}

// DefaultLogger is used by the package-level helpers below.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }
func Msg(msg string, fields ...interface{})    { DefaultLogger.Msg(msg, fields...) }

var _ io.Writer = Logger{}
