package main

import (
	"fmt"
	"os"
	"time"

	"go-txpipeline/internal/handlers"
)

func main() {
	callerID := "test-caller"
	if len(os.Args) > 1 {
		callerID = os.Args[1]
	}

	tokenString, err := handlers.GenerateJWTToken(callerID, 24*time.Hour)
	if err != nil {
		fmt.Printf("Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("============================================================")
	fmt.Println("JWT Token Generated for Testing")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Println("Token:")
	fmt.Println(tokenString)
	fmt.Println()
	fmt.Println("Claims:")
	fmt.Printf("  Caller ID: %s\n", callerID)
	fmt.Printf("  Expires:   %s\n", time.Now().Add(24*time.Hour).Format(time.RFC3339))
	fmt.Println()
	fmt.Println("============================================================")
	fmt.Println("Usage:")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Printf("curl -H \"Authorization: Bearer %s\" http://localhost:8080/api/v1/intents/my-key\n", tokenString)
	fmt.Println()
}
