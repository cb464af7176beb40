package main

// @title           Cable Service API
// @version         1.0
// @description     ActionCable compatible WebSocket server with an admin API
// @host            localhost:8080
// @BasePath        /
// @schemes         http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and an admin JWT.

import "cable-service/internal/cli"

func main() {
	cli.Execute()
}
