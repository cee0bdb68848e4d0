package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/lox/coolweather/internal/orchestrator"
	"github.com/lox/coolweather/internal/remote"
)

type BrowseCmd struct{}

func (c *BrowseCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	return browse(ctx, orchestrator.NewSession(a.orch), os.Stdin, os.Stdout)
}

// browse drives a session from line-based input: a number selects an item,
// "b" goes back, "r" retries the current list and "q" quits.
func browse(ctx context.Context, s *orchestrator.Session, in io.Reader, out io.Writer) error {
	if err := await(ctx, s.Start(ctx), out); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	scanner := bufio.NewScanner(in)
	for {
		st := s.State()
		render(out, st)
		fmt.Fprint(out, "> ")

		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "q":
			return nil
		case "b":
			if _, ok := s.Back(); !ok {
				return nil
			}
			continue
		case "r":
			if st.Step == orchestrator.StepProvinces {
				if err := await(ctx, s.Start(ctx), out); err != nil && ctx.Err() != nil {
					return ctx.Err()
				}
			}
			continue
		}

		n, err := strconv.Atoi(line)
		if err != nil || n < 1 || n > len(st.Items) {
			fmt.Fprintf(out, "choose 1-%d, b or q\n", len(st.Items))
			continue
		}
		item := st.Items[n-1]

		switch st.Step {
		case orchestrator.StepProvinces:
			err = await(ctx, s.SelectProvince(ctx, item), out)
		case orchestrator.StepCities:
			err = await(ctx, s.SelectCity(ctx, item), out)
		case orchestrator.StepCounties:
			err = await(ctx, s.SelectCounty(ctx, item), out)
		}
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func await[T any](ctx context.Context, f *remote.Future[T], out io.Writer) error {
	_, err := f.Await(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(out, orchestrator.UserMessage(err))
	}
	return err
}

func render(out io.Writer, st orchestrator.State) {
	fmt.Fprintln(out)
	switch st.Step {
	case orchestrator.StepProvinces:
		fmt.Fprintln(out, "China")
	case orchestrator.StepCities:
		fmt.Fprintln(out, st.Province.Name)
	case orchestrator.StepCounties:
		fmt.Fprintln(out, st.City.Name)
	case orchestrator.StepWeather:
		printWeather(out, *st.Weather)
		fmt.Fprintln(out, "\nb: back  q: quit")
		return
	}
	for i, r := range st.Items {
		fmt.Fprintf(out, "%3d  %s\n", i+1, r.Name)
	}
}
