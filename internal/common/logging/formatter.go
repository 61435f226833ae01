package logging

import (
	"bytes"

	log "github.com/sirupsen/logrus"
)

// CommandLineFormatter writes the bare message, followed by the error if the entry has one.
type CommandLineFormatter struct{}

func (f *CommandLineFormatter) Format(entry *log.Entry) ([]byte, error) {
	buf := bytes.NewBufferString(entry.Message)
	if err, ok := entry.Data[log.ErrorKey]; ok {
		buf.WriteString(": ")
		buf.WriteString(toString(err))
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func toString(v interface{}) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
