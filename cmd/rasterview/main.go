// Command rasterview inspects, renders and serves georeferenced rasters.
package main

func main() {
	Execute()
}
