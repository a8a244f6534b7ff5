package espalier_test

import (
	"context"
	"fmt"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/pkg/domain"
)

func Example() {
	const catalog = `
flows:
  greet_user:
    name: greet user
    steps:
      - collect: name
`
	dom := domain.NewDomain([]domain.Slot{{Name: "name", Type: domain.SlotTypeText}})

	engine, err := espalier.New([]byte(catalog), dom)
	if err != nil {
		panic(err)
	}

	turn, err := engine.ProcessTurn(context.Background(), "demo", &domain.Message{
		Text:     "hello",
		Commands: []map[string]any{{"command": "start_flow", "flow": "greet_user"}},
	})
	if err != nil {
		panic(err)
	}

	for _, action := range turn.Actions {
		fmt.Println(action.Name)
	}
	// Output:
	// question_name
}
