package msg

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

// Verbose enables Debug output. Set once at startup from the --debug flag.
var Verbose bool

func Error(format string, a ...any) {
	fmt.Print(color.HiRedString("error"))
	fmt.Print(": ")
	fmt.Printf(format, a...)
	fmt.Print("\n")
}

func Warn(format string, a ...any) {
	fmt.Print(color.YellowString("warn"))
	fmt.Print(": ")
	fmt.Printf(format, a...)
	fmt.Print("\n")
}

func Fatal(format string, a ...any) {
	fmt.Print(color.RedString("fatal"))
	fmt.Print(": ")
	fmt.Printf(format, a...)
	fmt.Print("\n")
	os.Exit(1)
}

func Info(format string, a ...any) {
	fmt.Print(color.HiBlueString("info"))
	fmt.Print(": ")
	fmt.Printf(format, a...)
	fmt.Print("\n")
}

func Success(format string, a ...any) {
	fmt.Print(color.HiGreenString("ok"))
	fmt.Print(": ")
	fmt.Printf(format, a...)
	fmt.Print("\n")
}

func Debug(format string, a ...any) {
	if !Verbose {
		return
	}
	fmt.Print(color.HiBlackString("debug"))
	fmt.Print(": ")
	fmt.Printf(format, a...)
	fmt.Print("\n")
}

// Named is a prefixed logger used to relay output of a supervised process,
// so target stdout/stderr lines stay attributable in the shared console.
type Named struct {
	name string
}

func NewNamed(name string) *Named {
	return &Named{name: name}
}

func (n *Named) Info(format string, a ...any) {
	fmt.Print(color.WhiteString("[%s] ", n.name))
	fmt.Printf(format, a...)
	fmt.Print("\n")
}

func (n *Named) Error(format string, a ...any) {
	fmt.Print(color.MagentaString("[%s] ", n.name))
	fmt.Printf(format, a...)
	fmt.Print("\n")
}

func (n *Named) Warn(format string, a ...any) {
	fmt.Print(color.YellowString("[%s] ", n.name))
	fmt.Printf(format, a...)
	fmt.Print("\n")
}
