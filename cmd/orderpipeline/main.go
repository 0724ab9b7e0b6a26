// Command orderpipeline runs the order ingestion API, the queue consumer
// workers, and schema migrations.
package main

func main() {
	Execute()
}
