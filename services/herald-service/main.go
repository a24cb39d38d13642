package main

import "github.com/stoik/herald/services/herald-service/internal/app"

func main() {
	app.Execute()
}
