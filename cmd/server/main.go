package main

import (
	"go.uber.org/fx"

	"github.com/HirenKhatri7/DevSync/internal/app"
)

func main() {
	fx.New(app.Module).Run()
}
