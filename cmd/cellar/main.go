package main

import "cellar/internal/cellar"

func main() {
	cellar.Main()
}
