// Command greeterbot is a minimal dialogue bot: it asks for a name and greets.
package main

import (
	"log"

	"github.com/m3rciful/dialogbot/core/bootstrap"
	corecmd "github.com/m3rciful/dialogbot/core/cmd"
	"github.com/m3rciful/dialogbot/core/dialogue"
	"github.com/m3rciful/dialogbot/core/dispatch"
	coretelegram "github.com/m3rciful/dialogbot/core/telegram"
)

func main() {
	err := corecmd.Run(corecmd.Options{
		DefaultConfigPath: "config.yaml",
		Handler:           buildHandler,
	})
	if err != nil {
		log.Fatal(err)
	}
}

func buildHandler(infra *bootstrap.Result, rt coretelegram.Runtime) (dispatch.Handler, error) {
	m, err := dialogue.NewManager[Greeting](greeter, infra.DialogueOptions(rt.Executor))
	if err != nil {
		return nil, err
	}
	return m, nil
}
