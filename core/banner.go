package core

import (
	"github.com/fatih/color"

	"github.com/evilrelay/evilrelay/log"
)

const VERSION = "1.2.0"

func Banner() {
	cyan := color.New(color.FgCyan)
	white := color.New(color.FgHiWhite)
	log.Printf("\n")
	log.Printf("%s", cyan.Sprint(`                _ _           _
   _____   ___| | |_ __ ___| | __ _ _   _
  / _ \ \ / / | | | '__/ _ \ |/ _`+"`"+` | | | |
 |  __/\ V /| | | | | |  __/ | (_| | |_| |
  \___| \_/ |_|_|_|_|  \___|_|\__,_|\__, |
                                    |___/
`))
	log.Printf("\n")
	log.Printf("%s\n\n", white.Sprintf("  evilrelay %s - path-routed credential capture relay", VERSION))
}
