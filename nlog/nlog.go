// Package nlog is a thin structured-logging wrapper in the teacher's own
// nlog idiom (Infoln/Infof/Errorln/Warningln), built on the standard
// library's log package rather than a third-party logging framework: the
// teacher's own nlog has no public source in the retrieval pack beyond its
// call-sites, so the only grounded choice is to reproduce the call shape
// observed at those call-sites (ais/prxs3.go, xact/xs/tcb.go) on top of
// stdlib log, which is itself the teacher's transitive choice at the
// bottom of its own nlog.
package nlog

import (
	"fmt"
	"log"
	"os"
)

var std = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)

func Infoln(args ...any)               { std.Println(append([]any{"I"}, args...)...) }
func Infof(format string, args ...any) { std.Println("I", fmt.Sprintf(format, args...)) }

func Warningln(args ...any)               { std.Println(append([]any{"W"}, args...)...) }
func Warningf(format string, args ...any) { std.Println("W", fmt.Sprintf(format, args...)) }

func Errorln(args ...any)               { std.Println(append([]any{"E"}, args...)...) }
func Errorf(format string, args ...any) { std.Println("E", fmt.Sprintf(format, args...)) }

// Traced returns a logger-prefix closure carrying a connection/trace id,
// mirroring the way the teacher tags log lines with a xaction or
// connection id (see tcb.go's per-xaction nlog call sites).
func Traced(id string) *Trace { return &Trace{id: id} }

type Trace struct{ id string }

func (t *Trace) Infoln(args ...any) { Infoln(append([]any{"[" + t.id + "]"}, args...)...) }
func (t *Trace) Errorln(args ...any) { Errorln(append([]any{"[" + t.id + "]"}, args...)...) }
func (t *Trace) Warningln(args ...any) {
	Warningln(append([]any{"[" + t.id + "]"}, args...)...)
}
