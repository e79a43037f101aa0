package main

import (
	"os"

	"github.com/GDATASoftwareAG/smartvmi-sub000/cmd/vmicore/cmds"
	_ "github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi/libvmi"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
