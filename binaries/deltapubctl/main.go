package main

import (
	log "github.com/sirupsen/logrus"

	"github.com/deltapub/deltapub/common/log/hooks"
)

// CLI to the job store shared with deltapubd.
//	Supported commands: (see "-h" for all options)
//		submit [kind] [params json]
//		status [job id]...
//		migrate
//	Global flags:
//		--config [preset name, JSON object or file naming the store]
//		--log_level [<error|info|debug> level and above should be logged]

func main() {
	log.AddHook(hooks.NewContextHook())

	cl := newCLI()
	if err := cl.Exec(); err != nil {
		log.Fatal("error running deltapubctl: ", err)
	}
}
