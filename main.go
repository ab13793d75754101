package main

import "github.com/3scale/ovpn-access-manager/cmd/app"

func main() {
	app.Execute()
}
